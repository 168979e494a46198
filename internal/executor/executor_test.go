package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobqueue-platform/internal/job"
	"jobqueue-platform/pkg/log"
)

func quietLogger() *log.Logger {
	return log.NewWithWriter(&log.Config{Level: "error"}, io.Discard)
}

func TestNoop_ReportsFullProgress(t *testing.T) {
	var got [2]int64
	err := Noop{}.Execute(context.Background(), job.Task{TotalUnits: 7}, func(ctx context.Context, p, total int64) error {
		got = [2]int64{p, total}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, [2]int64{7, 7}, got)
}

func TestWebhook_Success(t *testing.T) {
	var body webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"processed_units":10,"total_units":10}`))
	}))
	defer srv.Close()

	var progress []int64
	exec := NewWebhook(srv.URL, time.Second, quietLogger())
	err := exec.Execute(context.Background(), job.Task{
		TenantID:   "T1",
		JobID:      "j1",
		PayloadRef: "s3://bucket/a.csv",
		Payload:    json.RawMessage(`{"k":"v"}`),
	}, func(ctx context.Context, p, total int64) error {
		progress = append(progress, p, total)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "T1", body.TenantID)
	assert.Equal(t, "j1", body.JobID)
	assert.Equal(t, "s3://bucket/a.csv", body.PayloadRef)
	assert.Equal(t, []int64{10, 10}, progress)
}

func TestWebhook_Non2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad rows"}`))
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, quietLogger()).Execute(context.Background(), job.Task{TenantID: "T1", JobID: "j1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad rows")
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	err := NewWebhook(url, 200*time.Millisecond, quietLogger()).Execute(context.Background(), job.Task{TenantID: "T1", JobID: "j1"}, nil)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	e, err := New("noop", "", 0, nil)
	require.NoError(t, err)
	assert.IsType(t, Noop{}, e)

	_, err = New("webhook", "", 0, nil)
	assert.Error(t, err)

	e, err = New("webhook", "http://localhost:1/run", time.Second, nil)
	require.NoError(t, err)
	assert.IsType(t, &Webhook{}, e)

	_, err = New("grpc", "", 0, nil)
	assert.Error(t, err)
}
