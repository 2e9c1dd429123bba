package activity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentichr/hrflow/pkg/api"
)

func TestRecordDecisionHitsLeaveService(t *testing.T) {
	var gotMethod, gotPath string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	x := NewExecutor()
	require.NoError(t, RegisterBuiltins(x, NewCollaboratorClient(srv.URL, nil)))

	args, _ := json.Marshal(RecordDecisionArgs{RequestID: 42, Status: "approved", ApproverID: 7})
	result, aerr := x.Run(context.Background(), "recordDecision", args, nil)
	require.Nil(t, aerr)

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/leave/requests/42/status", gotPath)
	assert.Equal(t, "approved", gotBody["status"])
	assert.JSONEq(t, `{"success":true}`, string(result))
}

func TestCreateEmployeeRecordPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 99})
	}))
	defer srv.Close()

	x := NewExecutor()
	require.NoError(t, RegisterBuiltins(x, NewCollaboratorClient(srv.URL, nil)))

	args, _ := json.Marshal(EmployeeRecordArgs{Email: "new@corp.test", Department: "eng"})
	result, aerr := x.Run(context.Background(), "createEmployeeRecord", args, nil)
	require.Nil(t, aerr)
	assert.Equal(t, "/v1/employees", gotPath)
	assert.JSONEq(t, `{"id":99}`, string(result))
}

func TestServerErrorIsTransient(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily down", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer srv.Close()

	x := NewExecutor()
	x.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	require.NoError(t, RegisterBuiltins(x, NewCollaboratorClient(srv.URL, nil)))

	args, _ := json.Marshal(NotifyArgs{RecipientEmail: "a@corp.test", Template: "leave_approved"})
	policy := &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 2.0, MaxAttempts: 5}
	_, aerr := x.Run(context.Background(), "notify", args, policy)
	require.Nil(t, aerr)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "no such user", http.StatusNotFound)
	}))
	defer srv.Close()

	x := NewExecutor()
	require.NoError(t, RegisterBuiltins(x, NewCollaboratorClient(srv.URL, nil)))

	args, _ := json.Marshal(UserAccountArgs{Email: "ghost@corp.test"})
	policy := &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 2.0, MaxAttempts: 5}
	_, aerr := x.Run(context.Background(), "createUserAccount", args, policy)
	require.NotNil(t, aerr)
	assert.Equal(t, "http_404", aerr.Kind)
	// 4xx must not be retried.
	assert.Equal(t, int64(1), calls.Load())
}

func TestNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from now on

	x := NewExecutor()
	x.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	require.NoError(t, RegisterBuiltins(x, NewCollaboratorClient(srv.URL, nil)))

	args, _ := json.Marshal(IDCardArgs{EmployeeID: 1})
	policy := &api.RetryPolicy{InitialInterval: time.Millisecond, BackoffCoefficient: 2.0, MaxAttempts: 2}
	_, aerr := x.Run(context.Background(), "generateEmployeeIDCard", args, policy)
	require.NotNil(t, aerr)
	assert.Equal(t, "network", aerr.Kind)
}

func TestBadArgsAreTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("server must not be reached with undecodable args")
	}))
	defer srv.Close()

	x := NewExecutor()
	require.NoError(t, RegisterBuiltins(x, NewCollaboratorClient(srv.URL, nil)))

	_, aerr := x.Run(context.Background(), "assignEquipment", json.RawMessage(`"not an object"`), nil)
	require.NotNil(t, aerr)
	assert.Equal(t, "bad_args", aerr.Kind)
}
