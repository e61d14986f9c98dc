package primary

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
)

// service is anything the acquire/release sequence starts or stops as a
// unit: the DNS aggregator and the user-facing API are both satisfied by
// packages built elsewhere (pkg/dns, pkg/api) and wired in by cmd/pvcd; a
// nil service is a no-op, letting the Controller run standalone in tests.
type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// metadataServer answers the link-local metadata service
// step 2/5 names: a tiny HTTP server on the 169.254.169.254 floating
// address serving each VM's own facts back to itself (the conventional
// cloud-metadata pattern), read straight out of the store.
type metadataServer struct {
	coord *coordinator.Coordinator
	addr  string
	srv   *http.Server
}

func newMetadataServer(coord *coordinator.Coordinator) *metadataServer {
	return &metadataServer{coord: coord, addr: "169.254.169.254:80"}
}

func (m *metadataServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/meta-data/hostname", m.handleHostname)
	m.srv = &http.Server{Addr: m.addr, Handler: mux}

	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listen metadata api on %s: %w", m.addr, err)
	}
	go m.srv.Serve(ln)
	return nil
}

func (m *metadataServer) Stop(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return m.srv.Shutdown(shutdownCtx)
}

// handleHostname identifies the calling VM by reverse-matching its source
// address against every network's DHCP reservations and returns that
// reservation's hostname.
func (m *metadataServer) handleHostname(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	hostname, ok := m.lookupHostnameByIP(r.Context(), host)
	if !ok {
		http.Error(w, `{"error":"no reservation for caller"}`, http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"hostname": hostname})
}

func (m *metadataServer) lookupHostnameByIP(ctx context.Context, ip string) (string, bool) {
	vnis, err := coordinator.ListNetworkVNIs(ctx, m.coord.Store)
	if err != nil {
		return "", false
	}
	for _, vni := range vnis {
		reservations, err := coordinator.ListReservations(ctx, m.coord.Store, vni)
		if err != nil {
			continue
		}
		for _, r := range reservations {
			if r.IPAddress == ip {
				return r.Hostname, true
			}
		}
	}
	return "", false
}
