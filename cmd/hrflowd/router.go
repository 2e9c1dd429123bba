package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentichr/hrflow"
)

type startRequest struct {
	InstanceID string              `json:"instanceId"`
	Type       hrflow.WorkflowType `json:"type" binding:"required"`
	Input      json.RawMessage     `json:"input"`
}

func newRouter(rt *hrflow.Runtime, registry *prometheus.Registry) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/workflows", startWorkflow(rt))
		v1.GET("/workflows/:id", getStatus(rt))
		v1.GET("/workflows/:id/history", getHistory(rt))
		v1.POST("/workflows/:id/signals/:name", sendSignal(rt))
		v1.DELETE("/workflows/:id", cancelWorkflow(rt))
	}
	return router
}

func startWorkflow(rt *hrflow.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		report, err := rt.StartWorkflow(c.Request.Context(), req.InstanceID, req.Type, req.Input)
		if err != nil {
			if errors.Is(err, hrflow.ErrUnknownWorkflowType) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, report)
	}
}

func getStatus(rt *hrflow.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := rt.GetStatus(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, hrflow.ErrInstanceNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func getHistory(rt *hrflow.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := rt.History(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if len(events) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": hrflow.ErrInstanceNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func sendSignal(rt *hrflow.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "signal body must be valid JSON"})
			return
		}

		err = rt.SendSignal(c.Request.Context(), c.Param("id"), c.Param("name"), json.RawMessage(body))
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"delivered": true})
		case errors.Is(err, hrflow.ErrInstanceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, hrflow.ErrInstanceFinished), errors.Is(err, hrflow.ErrDuplicateSignal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func cancelWorkflow(rt *hrflow.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		reason := c.Query("reason")
		if reason == "" {
			reason = "cancelled"
		}

		err := rt.Cancel(c.Request.Context(), c.Param("id"), reason)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"cancelled": true})
		case errors.Is(err, hrflow.ErrInstanceNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, hrflow.ErrInstanceFinished):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}
