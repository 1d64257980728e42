package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/fleet-dispatch/internal/models"
	"github.com/example/fleet-dispatch/internal/observability"
)

func wsSessions(t *testing.T) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, observability.WSConnectionDuration.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestMetricsUseRouteTemplates(t *testing.T) {
	srv, _ := newTestServer(t)
	counter := observability.HTTPRequestsTotal.WithLabelValues("POST", "/api/v1/trips/{trip_id}/status", "404")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"a1", "b2", "c3"} {
		rec := postStatus(t, srv, id, token(t, "o1", models.RoleAdmin, ""), `{"status":"CANCELLED"}`)
		require.Equal(t, http.StatusNotFound, rec.Code)
	}
	assert.Equal(t, before+3, testutil.ToFloat64(counter))
	assert.Equal(t, "unmatched", routeTemplate(httptest.NewRequest(http.MethodGet, "/nope/123", nil)))
}

func TestWebsocketSessionsAreTimedSeparately(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	upgrades := observability.HTTPRequestsTotal.WithLabelValues("GET", "/ws", "101")
	before := testutil.ToFloat64(upgrades)
	sessions := wsSessions(t)

	c := dial(t, ts, token(t, "o1", models.RoleAdmin, ""))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(upgrades) == before+1 && wsSessions(t) == sessions+1
	}, 2*time.Second, 10*time.Millisecond)
}
