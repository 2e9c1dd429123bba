package activity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// CollaboratorClient calls the internal HR services the built-in
// activities talk to (leave, employee, auth, notification). All calls
// go through one base URL; the services route by path.
//
// Error classification: network failures and 5xx responses are
// transient (the retry loop keeps going), 4xx responses are terminal
// with kind "http_<status>".
type CollaboratorClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewCollaboratorClient creates a client for the internal API at
// baseURL. A nil httpClient gets a 30-second-timeout default.
func NewCollaboratorClient(baseURL string, httpClient *http.Client) *CollaboratorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &CollaboratorClient{BaseURL: baseURL, HTTP: httpClient}
}

func (c *CollaboratorClient) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, Terminal("bad_request_body", err.Error())
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, Terminal("bad_request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &TransientError{Kind: "network", Message: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Kind: "network", Message: err.Error()}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &TransientError{
			Kind:    fmt.Sprintf("http_%d", resp.StatusCode),
			Message: fmt.Sprintf("%s %s: %s", method, path, bodyExcerpt(data)),
		}
	case resp.StatusCode >= 400:
		return nil, Terminal(
			fmt.Sprintf("http_%d", resp.StatusCode),
			fmt.Sprintf("%s %s: %s", method, path, bodyExcerpt(data)),
		)
	}

	if len(data) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}

func bodyExcerpt(data []byte) string {
	const max = 256
	if len(data) > max {
		data = data[:max]
	}
	return string(data)
}

// NotifyArgs is the payload of the "notify" activity.
type NotifyArgs struct {
	RecipientID    int            `json:"recipient_id"`
	RecipientEmail string         `json:"recipient_email"`
	Template       string         `json:"template"`
	Subject        string         `json:"subject"`
	Data           map[string]any `json:"data,omitempty"`
}

// RecordDecisionArgs is the payload of "recordDecision": a leave
// request status update.
type RecordDecisionArgs struct {
	RequestID  int    `json:"request_id"`
	Status     string `json:"status"`
	ApproverID int    `json:"approver_id,omitempty"`
	Comments   string `json:"comments,omitempty"`
}

// EmployeeRecordArgs is the payload of "createEmployeeRecord".
type EmployeeRecordArgs struct {
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Email      string `json:"email"`
	Department string `json:"department"`
	Position   string `json:"position"`
	StartDate  string `json:"start_date"`
}

// UserAccountArgs is the payload of "createUserAccount".
type UserAccountArgs struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// EquipmentArgs is the payload of "assignEquipment".
type EquipmentArgs struct {
	EmployeeID int      `json:"employee_id"`
	Equipment  []string `json:"equipment"`
}

// WorkspaceArgs is the payload of "setupWorkspace".
type WorkspaceArgs struct {
	EmployeeID int    `json:"employee_id"`
	Department string `json:"department"`
}

// OrientationArgs is the payload of "scheduleOrientation".
type OrientationArgs struct {
	EmployeeID int    `json:"employee_id"`
	StartDate  string `json:"start_date"`
}

// IDCardArgs is the payload of "generateEmployeeIDCard".
type IDCardArgs struct {
	EmployeeID int `json:"employee_id"`
}

// RegisterBuiltins registers the HR activity set against the client.
func RegisterBuiltins(x *Executor, c *CollaboratorClient) error {
	builtins := map[string]Func{
		"notify": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args NotifyArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/notifications", args)
		},
		"recordDecision": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args RecordDecisionArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			path := fmt.Sprintf("/leave/requests/%d/status", args.RequestID)
			return c.call(ctx, http.MethodPut, path, map[string]any{
				"status":      args.Status,
				"approved_by": args.ApproverID,
				"comments":    args.Comments,
			})
		},
		"createEmployeeRecord": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args EmployeeRecordArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/employees", args)
		},
		"createUserAccount": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args UserAccountArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/users", args)
		},
		"assignEquipment": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args EquipmentArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/equipment/assignments", args)
		},
		"setupWorkspace": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args WorkspaceArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/workspaces", args)
		},
		"scheduleOrientation": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args OrientationArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/orientations", args)
		},
		"generateEmployeeIDCard": func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args IDCardArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, Terminal("bad_args", err.Error())
			}
			return c.call(ctx, http.MethodPost, "/v1/id-cards", args)
		},
	}

	for name, fn := range builtins {
		if err := x.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}
