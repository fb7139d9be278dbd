package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/relaybroker/ccrelay/internal/kv"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(store kv.Store) *gin.Engine {
	router := gin.New()
	NewHandler(store, NewMetrics()).Register(router)
	return router
}

func TestLivenessAlwaysOK(t *testing.T) {
	router := newTestRouter(kv.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/liveness", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessOKWhenStoreReachable(t *testing.T) {
	router := newTestRouter(kv.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestReadinessUnavailableWhenStorePingFails(t *testing.T) {
	router := newTestRouter(unreachableStore{kv.NewMemoryStore()})
	req := httptest.NewRequest(http.MethodGet, "/readiness", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	router := newTestRouter(kv.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected non-empty metrics body")
	}
}

// unreachableStore wraps a real MemoryStore but fails Ping, simulating a
// downed Redis without standing one up in this test.
type unreachableStore struct {
	*kv.MemoryStore
}

func (unreachableStore) Ping(context.Context) error {
	return errors.New("connection refused")
}
