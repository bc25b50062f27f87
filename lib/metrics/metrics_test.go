package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.Transfers.WithLabelValues("tcp", "completed").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.Transfers.WithLabelValues("tcp", "completed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.Transfers.WithLabelValues("tcp", "completed")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.Neighbors.Set(3)
	m.FragmentsMerged.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "dtn_connection_neighbors 3")
	assert.Contains(t, string(body), "dtn_fragment_merged_total 1")
}
