package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/promptloop/internal/core/clock"
	"github.com/vietddude/promptloop/internal/core/domain"
	"github.com/vietddude/promptloop/internal/infra/llm"
	"github.com/vietddude/promptloop/internal/infra/storage/memory"
	"github.com/vietddude/promptloop/internal/orchestrator"
	"github.com/vietddude/promptloop/internal/task"
	"github.com/vietddude/promptloop/internal/validation"
)

type harness struct {
	manager *task.Manager
	monitor *Monitor
	handler http.Handler
}

func newHarness(t *testing.T, responses ...string) *harness {
	t.Helper()

	registry := validation.NewRegistry()
	seven, err := validation.Create(validation.TypeKeyword, "digit7", map[string]any{
		"must_contain": []string{"7"},
	})
	require.NoError(t, err)
	require.NoError(t, registry.Register("digit7", seven))

	var calls atomic.Int32
	router := llm.NewRouter()
	router.Add("test-model", "scripted", llm.TransportFunc(
		func(context.Context, domain.Transcript, string) (string, error) {
			n := int(calls.Add(1)) - 1
			return responses[min(n, len(responses)-1)], nil
		},
	))

	clk := clock.NewFake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	repo := memory.NewTaskRepo(memory.NewMemoryStorage())
	manager := task.NewManager(repo, registry, router, task.NewChannelDispatcher(16), clk, task.Config{
		PollInterval: 5 * time.Millisecond,
	})
	monitor := NewMonitor(router)

	srv := NewServer(Deps{
		Manager:      manager,
		Orchestrator: orchestrator.New(registry, clk),
		Resolver:     router,
		Monitor:      monitor,
		Policy: domain.RetryPolicy{
			MaxAttempts:   3,
			InitialDelay:  time.Second,
			BackoffFactor: 2,
			MaxDelay:      10 * time.Second,
		},
	}, 0)
	return &harness{manager: manager, monitor: monitor, handler: srv.Handler()}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const submitBody = `{
	"model": "test-model",
	"strategies": ["digit7"],
	"transcript": [{"role": "user", "content": "Pick a number."}]
}`

func TestServer_SubmitAndWait(t *testing.T) {
	h := newHarness(t, "42", "47")

	rec := h.do(t, http.MethodPost, "/v1/tasks", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decode[map[string]string](t, rec)
	id := submitted["id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "pending", submitted["status"])
	assert.Equal(t, "/v1/tasks/"+id, rec.Header().Get("Location"))

	rec = h.do(t, http.MethodGet, "/v1/tasks/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.TaskPending, decode[domain.Task](t, rec).Status)

	ran, err := h.manager.ClaimAndRun(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ran)

	rec = h.do(t, http.MethodGet, "/v1/tasks/"+id+"/wait?timeout=1s", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[domain.Task](t, rec)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, "47", got.Result)
	assert.Len(t, got.Attempts, 2)

	rec = h.do(t, http.MethodGet, "/v1/tasks?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Task](t, rec), 1)
}

func TestServer_WaitTimeout(t *testing.T) {
	h := newHarness(t, "7")

	rec := h.do(t, http.MethodPost, "/v1/tasks", submitBody)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[map[string]string](t, rec)["id"]

	rec = h.do(t, http.MethodGet, "/v1/tasks/"+id+"/wait?timeout=20ms", "")
	require.Equal(t, http.StatusRequestTimeout, rec.Code)
	body := decode[errorBody](t, rec)
	require.NotNil(t, body.Task)
	assert.Equal(t, domain.TaskPending, body.Task.Status)
}

func TestServer_Cancel(t *testing.T) {
	h := newHarness(t, "7")

	rec := h.do(t, http.MethodPost, "/v1/tasks", submitBody)
	id := decode[map[string]string](t, rec)["id"]

	rec = h.do(t, http.MethodPost, "/v1/tasks/"+id+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[domain.Task](t, rec)
	assert.Equal(t, domain.TaskCancelled, got.Status)
	assert.Empty(t, got.Attempts)
}

func TestServer_Errors(t *testing.T) {
	h := newHarness(t, "7")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		code   int
	}{
		{"unknown task", http.MethodGet, "/v1/tasks/nope", "", http.StatusNotFound},
		{"cancel unknown task", http.MethodPost, "/v1/tasks/nope/cancel", "", http.StatusNotFound},
		{"malformed body", http.MethodPost, "/v1/tasks", "{", http.StatusBadRequest},
		{"unknown strategy", http.MethodPost, "/v1/tasks", strings.Replace(submitBody, "digit7", "nope", 1), http.StatusBadRequest},
		{"unknown model", http.MethodPost, "/v1/tasks", strings.Replace(submitBody, "test-model", "other", 1), http.StatusBadRequest},
		{"invalid policy", http.MethodPost, "/v1/tasks", strings.Replace(submitBody, "{", `{"policy": {"max_attempts": 0},`, 1), http.StatusBadRequest},
		{"bad status filter", http.MethodGet, "/v1/tasks?status=bogus", "", http.StatusBadRequest},
		{"bad wait timeout", http.MethodGet, "/v1/tasks/x/wait?timeout=soon", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorBody](t, rec).Error)
		})
	}
}

func TestServer_RunSync(t *testing.T) {
	t.Run("validated", func(t *testing.T) {
		h := newHarness(t, "42", "47")
		rec := h.do(t, http.MethodPost, "/v1/run", submitBody)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var body struct {
			Response string                 `json:"response"`
			Attempts []domain.AttemptRecord `json:"attempts"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "47", body.Response)
		assert.Len(t, body.Attempts, 2)
	})

	t.Run("exhausted", func(t *testing.T) {
		h := newHarness(t, "42")
		rec := h.do(t, http.MethodPost, "/v1/run", submitBody)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		body := decode[errorBody](t, rec)
		assert.Equal(t, domain.KindValidationExhausted, body.ErrorKind)
		assert.Len(t, body.Attempts, 3)
	})

	t.Run("escalation", func(t *testing.T) {
		h := newHarness(t, "42")
		payload := strings.Replace(submitBody, "{",
			`{"policy": {"tool_use_after_attempt": 0, "human_escalation_after_attempt": 1},`, 1)
		rec := h.do(t, http.MethodPost, "/v1/run", payload)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

		body := decode[errorBody](t, rec)
		assert.Equal(t, domain.KindEscalationRequired, body.ErrorKind)
		assert.Len(t, body.Attempts, 1)
		assert.Equal(t, "42", body.Last)
	})
}

func TestServer_Health(t *testing.T) {
	h := newHarness(t, "7")

	rec := h.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]string](t, rec)["status"])

	h.monitor.AddProbe("database", func(context.Context) error { return errors.New("connection refused") })

	rec = h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.do(t, http.MethodGet, "/health/detailed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[HealthReport](t, rec)
	assert.Equal(t, StatusCritical, report.SystemStatus)
	assert.Equal(t, "connection refused", report.Components["database"].Error)
	require.Len(t, report.Transports, 1)
	assert.Equal(t, "scripted", report.Transports[0].Name)
}

func TestServer_Metrics(t *testing.T) {
	h := newHarness(t, "7")
	rec := h.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
