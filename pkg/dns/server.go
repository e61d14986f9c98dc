package dns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/parallelvirtualcluster/pvc/pkg/coordinator"
	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

// DefaultListenAddr is the aggregator's forward-zone listen address.
const DefaultListenAddr = "0.0.0.0:53"

// DefaultRefreshInterval is how often the aggregator rebuilds its zones
// from the current reservation set.
const DefaultRefreshInterval = 5 * time.Second

var refreshInterval = DefaultRefreshInterval

// Service is the cluster DNS aggregator. It implements pkg/primary's
// service interface and is started only while this node holds the
// primary role.
type Service struct {
	coord      *coordinator.Coordinator
	listenAddr string
	logger     zerolog.Logger

	zones *zoneSet

	mu         sync.Mutex
	udpServer  *dns.Server
	cancelPoll context.CancelFunc
	stopped    chan struct{}
}

// New builds a DNS aggregator service bound to listenAddr. listenAddr
// defaults to DefaultListenAddr.
func New(coord *coordinator.Coordinator, listenAddr string) *Service {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}
	return &Service{
		coord:      coord,
		listenAddr: listenAddr,
		logger:     log.WithComponent("dns"),
		zones:      newZoneSet(),
	}
}

// Start binds the UDP listener and begins the zone refresh poll. It
// returns once an initial zone refresh has completed and the listener is
// serving, matching the contract pkg/primary's acquire sequence expects
// from a service it starts synchronously.
func (s *Service) Start(ctx context.Context) error {
	if err := refresh(ctx, s.coord.Store, s.zones); err != nil {
		s.logger.Warn().Err(err).Msg("initial zone refresh failed, starting with an empty zone set")
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.handleQuery)

	srv := &dns.Server{Addr: s.listenAddr, Net: "udp", Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("start dns aggregator on %s: %w", s.listenAddr, err)
	case <-time.After(100 * time.Millisecond):
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	s.mu.Lock()
	s.udpServer = srv
	s.cancelPoll = cancel
	s.stopped = stopped
	s.mu.Unlock()

	go s.pollRefresh(pollCtx, stopped)

	s.logger.Info().Str("addr", s.listenAddr).Msg("dns aggregator started")
	return nil
}

func (s *Service) pollRefresh(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := refresh(ctx, s.coord.Store, s.zones); err != nil {
				s.logger.Warn().Err(err).Msg("zone refresh failed")
			}
		}
	}
}

// Stop shuts down the listener and the refresh poll.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.udpServer
	cancel := s.cancelPoll
	stopped := s.stopped
	s.udpServer, s.cancelPoll, s.stopped = nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("dns aggregator stopping")
	return srv.ShutdownContext(ctx)
}

// handleQuery answers A queries for any hostname in a served zone from
// the aggregated record set. Queries of other types and A queries for
// names outside every served zone go to forward with no nameservers and
// so get SERVFAIL; only the zone-matched path below hands forward the
// zone's configured nameservers.
func (s *Service) handleQuery(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	for _, q := range r.Question {
		if q.Qtype != dns.TypeA {
			s.forward(w, r, nil)
			return
		}
		ip, upstream, matched := s.zones.lookup(q.Name)
		if !matched {
			s.forward(w, r, nil)
			return
		}
		if ip == nil {
			msg.Rcode = dns.RcodeNameError
			_ = w.WriteMsg(msg)
			return
		}
		msg.Answer = append(msg.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
			A:   ip.To4(),
		})
		_ = upstream
	}
	if err := w.WriteMsg(msg); err != nil {
		s.logger.Error().Err(err).Msg("write dns response")
	}
}

// forward relays a query to upstream resolvers, preferring the zone's own
// NameServers when known, falling back to SERVFAIL if all fail.
func (s *Service) forward(w dns.ResponseWriter, r *dns.Msg, upstream []string) {
	if len(upstream) == 0 && len(r.Question) > 0 {
		_, ns, _ := s.zones.lookup(r.Question[0].Name)
		upstream = ns
	}
	client := &dns.Client{Net: "udp"}
	for _, server := range upstream {
		resp, _, err := client.Exchange(r, server)
		if err != nil {
			continue
		}
		_ = w.WriteMsg(resp)
		return
	}
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Rcode = dns.RcodeServerFailure
	_ = w.WriteMsg(msg)
}
