package primary

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func newTestMetadataServer(t *testing.T) (*metadataServer, *storetest.Memory) {
	t.Helper()
	client := storetest.New()
	cfg := config.Defaults()
	cfg.NodeName = "node1"
	coord := coordinator.New(client, cfg)
	return newMetadataServer(coord), client
}

func TestHandleHostnameFindsReservationBySourceIP(t *testing.T) {
	m, client := newTestMetadataServer(t)
	require.NoError(t, coordinator.WriteReservation(context.Background(), client, types.DHCPReservation{
		VNI: 100, MAC: "52:54:00:00:00:01", IPAddress: "10.0.1.5", Hostname: "web1",
	}))

	req := httptest.NewRequest(http.MethodGet, "/latest/meta-data/hostname", nil)
	req.RemoteAddr = "10.0.1.5:54321"
	w := httptest.NewRecorder()

	m.handleHostname(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "web1")
}

func TestHandleHostnameUnknownCallerReturnsNotFound(t *testing.T) {
	m, _ := newTestMetadataServer(t)

	req := httptest.NewRequest(http.MethodGet, "/latest/meta-data/hostname", nil)
	req.RemoteAddr = "10.0.9.9:54321"
	w := httptest.NewRecorder()

	m.handleHostname(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}
