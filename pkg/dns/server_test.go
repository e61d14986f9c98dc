package dns

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
)

// fakeResponseWriter captures the single message handed to WriteMsg so
// tests can assert on it without binding a real UDP socket.
type fakeResponseWriter struct {
	written *dns.Msg
}

func (f *fakeResponseWriter) LocalAddr() net.Addr         { return &net.UDPAddr{} }
func (f *fakeResponseWriter) RemoteAddr() net.Addr        { return &net.UDPAddr{} }
func (f *fakeResponseWriter) WriteMsg(m *dns.Msg) error   { f.written = m; return nil }
func (f *fakeResponseWriter) Write(b []byte) (int, error) { return len(b), nil }
func (f *fakeResponseWriter) Close() error                { return nil }
func (f *fakeResponseWriter) TsigStatus() error            { return nil }
func (f *fakeResponseWriter) TsigTimersOnly(bool)           {}
func (f *fakeResponseWriter) Hijack()                       {}

func newTestService(t *testing.T) *Service {
	t.Helper()
	client := storetest.New()
	cfg := config.Defaults()
	cfg.NodeName = "node1"
	coord := coordinator.New(client, cfg)
	s := New(coord, "")
	writeNetwork(t, client, "100", "cluster.local", "")
	writeReservation(t, client, "100", "52:54:00:00:00:01", "10.0.1.5", "web1")
	require.NoError(t, refresh(context.Background(), client, s.zones))
	return s
}

func TestHandleQueryAnswersKnownHost(t *testing.T) {
	s := newTestService(t)

	req := new(dns.Msg)
	req.SetQuestion("web1.cluster.local.", dns.TypeA)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	require.NotNil(t, w.written)
	require.Len(t, w.written.Answer, 1)
	a, ok := w.written.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "10.0.1.5", a.A.String())
}

func TestHandleQueryNXDomainForUnknownHostInServedZone(t *testing.T) {
	s := newTestService(t)

	req := new(dns.Msg)
	req.SetQuestion("ghost.cluster.local.", dns.TypeA)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	require.NotNil(t, w.written)
	require.Equal(t, dns.RcodeNameError, w.written.Rcode)
}

func TestHandleQueryOutsideServedZoneForwardsAndFailsClosed(t *testing.T) {
	s := newTestService(t)

	req := new(dns.Msg)
	req.SetQuestion("example.com.", dns.TypeA)

	w := &fakeResponseWriter{}
	s.handleQuery(w, req)

	require.NotNil(t, w.written)
	require.Equal(t, dns.RcodeServerFailure, w.written.Rcode)
}

func TestRefreshIntervalIsOverridableForTests(t *testing.T) {
	old := refreshInterval
	defer func() { refreshInterval = old }()
	refreshInterval = time.Millisecond
	require.Equal(t, time.Millisecond, refreshInterval)
}
