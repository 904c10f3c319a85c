package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"github.com/BaSui01/stepflow/history"
	"github.com/BaSui01/stepflow/state"
	"github.com/BaSui01/stepflow/workflow"
)

func setupServer(t *testing.T) (*Server, *Broker, *history.Store) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := history.NewStore(db, logger)
	require.NoError(t, err)

	broker := NewBroker(logger)
	return New(DefaultConfig(), broker, store, logger), broker, store
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	srv, _, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunQueryEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, store := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	result := &workflow.RunResult{
		RunID:      "run-1",
		WorkflowID: "pipeline",
		Status:     workflow.RunStatusDone,
		Reason:     workflow.ReasonCompleted,
		StartTime:  time.Now(),
		EndTime:    time.Now(),
		State:      state.Snapshot{"y": float64(10)},
		Steps: []*workflow.StepExecution{
			{StepID: "w", Kind: workflow.StepKindWorker, Status: workflow.ExecStatusCompleted},
		},
	}
	require.NoError(t, store.Record(context.Background(), result))

	resp, err := http.Get(ts.URL + "/api/runs?workflow=pipeline")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Runs []history.RunRecord `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Runs, 1)
	assert.Equal(t, "run-1", list.Runs[0].RunID)

	resp2, err := http.Get(ts.URL + "/api/runs/run-1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var single struct {
		Run   history.RunRecord    `json:"run"`
		Steps []history.StepRecord `json:"steps"`
	}
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&single))
	assert.Equal(t, "pipeline", single.Run.WorkflowID)
	require.Len(t, single.Steps, 1)

	resp3, err := http.Get(ts.URL + "/api/runs/missing")
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp3.StatusCode)
}

func TestRunEndpointsWithoutStore(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	srv := New(DefaultConfig(), NewBroker(logger), nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/runs")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNDJSONEventStream(t *testing.T) {
	t.Parallel()

	srv, broker, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	// Wait for the subscription to register before publishing.
	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	broker.Publish(workflow.ProgressEvent{Kind: workflow.EventStepStarted, RunID: "r1", StepID: "w"})

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())

	var ev workflow.ProgressEvent
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
	assert.Equal(t, workflow.EventStepStarted, ev.Kind)
	assert.Equal(t, "w", ev.StepID)
}

func TestWebSocketEventStream(t *testing.T) {
	t.Parallel()

	srv, broker, _ := setupServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + ts.URL[len("http"):] + "/ws/events?run_id=r1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	require.Eventually(t, func() bool {
		return broker.SubscriberCount() == 1
	}, time.Second, 5*time.Millisecond)

	broker.Publish(workflow.ProgressEvent{Kind: workflow.EventStepStarted, RunID: "r2"})
	broker.Publish(workflow.ProgressEvent{Kind: workflow.EventWorkflowDone, RunID: "r1", Reason: workflow.ReasonCompleted})

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var ev workflow.ProgressEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, workflow.EventWorkflowDone, ev.Kind, "the r2 event is filtered out")
	assert.Equal(t, "r1", ev.RunID)
}
