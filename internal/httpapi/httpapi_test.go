package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelrender/rendergrid"
)

func newTestService(t *testing.T) *rendergrid.Service {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := rendergrid.DefaultConfig()
	cfg.Storage.OutputDir = t.TempDir()
	cfg.Storage.SnapshotPath = cfg.Storage.OutputDir + "/jobs.json"

	svc, err := rendergrid.NewService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestSubmitPDF_InvalidBodyReturnsBadRequest(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/pdf", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitPDF_ValidBodyReturnsAccepted(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	body, _ := json.Marshal(map[string]any{
		"key":        "invoice-1",
		"sourceKind": "INLINE_HTML",
		"source":     "<h1>hi</h1>",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/pdf", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var view rendergrid.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, rendergrid.RequestedKey("invoice-1"), view.Key)
}

func TestGetStatus_UnknownKeyReturnsNotFound(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel_UnknownKeyReturnsConflict(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/PDF/missing/cancel", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueStats_ReturnsZeroedCounts(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/PDF", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats rendergrid.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.Total)
}

func TestOpenArtifact_NotReadyReturnsAccepted(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	body, _ := json.Marshal(map[string]any{
		"key":        "report-1",
		"sourceKind": "INLINE_HTML",
		"source":     "<h1>hi</h1>",
	})
	submitReq := httptest.NewRequest(http.MethodPost, "/api/v1/pdf", bytes.NewReader(body))
	submitReq.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), submitReq)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/report-1/artifact", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRequestID_GeneratedWhenAbsentAndEchoedWhenSupplied(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	req2 := httptest.NewRequest(http.MethodGet, "/health", nil)
	req2.Header.Set(requestIDHeader, "caller-supplied-id")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	assert.Equal(t, "caller-supplied-id", rec2.Header().Get(requestIDHeader))
}

func TestHealth_ReturnsHealthy(t *testing.T) {
	svc := newTestService(t)
	router := NewRouter(svc, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
