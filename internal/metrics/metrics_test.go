package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStoreOperation(t *testing.T) {
	before := testutil.ToFloat64(storeOperationsTotal.WithLabelValues("list", "success"))
	RecordStoreOperation("list", 5*time.Millisecond, true)
	RecordStoreOperation("list", 5*time.Millisecond, false)

	assert.Equal(t, before+1, testutil.ToFloat64(storeOperationsTotal.WithLabelValues("list", "success")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(storeOperationsTotal.WithLabelValues("list", "error")), 1.0)
}

func TestGauges(t *testing.T) {
	SetDirtyQueueDepth(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(dirtyQueueDepth))
	SetTreeNodes(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(treeNodes))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordRefresh(true)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bucketfs_refresh_total"))
}
