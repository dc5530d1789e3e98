package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetricsHandler(t *testing.T) {
	as := require.New(t)

	ViewsInstalled.Inc()
	JoinRequests.WithLabelValues("accepted").Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	as.Equal(http.StatusOK, rec.Code)
	as.Contains(rec.Body.String(), "conclave_views_installed_total")
	as.Contains(rec.Body.String(), `conclave_join_requests_total{outcome="accepted"}`)
}
