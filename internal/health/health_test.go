package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func healthy(context.Context) error { return nil }

func TestRunChecksAllHealthy(t *testing.T) {
	r := NewRegistry(time.Second, zap.NewNop())
	r.Register("redis", true, healthy)
	r.Register("postgres", true, healthy)

	report := r.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Len(t, report.Checks, 2)
	assert.Equal(t, StatusHealthy, report.Checks["redis"].Status)
}

func TestRunChecksCriticalFailureIsUnhealthy(t *testing.T) {
	r := NewRegistry(time.Second, zap.NewNop())
	r.Register("redis", true, func(context.Context) error {
		return errors.New("connection refused")
	})
	r.Register("postgres", true, healthy)

	report := r.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "connection refused", report.Checks["redis"].Error)
	assert.Equal(t, StatusHealthy, report.Checks["postgres"].Status)
}

func TestRunChecksOptionalFailureOnlyDegrades(t *testing.T) {
	r := NewRegistry(time.Second, zap.NewNop())
	r.Register("archive", false, func(context.Context) error {
		return errors.New("down")
	})
	r.Register("redis", true, healthy)

	report := r.RunChecks(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestRunChecksTimeoutCountsAsFailure(t *testing.T) {
	r := NewRegistry(10*time.Millisecond, zap.NewNop())
	r.Register("slow", true, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	report := r.RunChecks(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
}

func TestHandlerStatusCodes(t *testing.T) {
	r := NewRegistry(time.Second, zap.NewNop())
	r.Register("redis", true, healthy)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	r.Register("postgres", true, func(context.Context) error {
		return errors.New("down")
	})
	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
