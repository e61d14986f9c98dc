/*
Package health provides small, composable health checkers used to probe the
daemon's own dependencies rather than tenant workloads: the libvirtd socket,
dnsmasq's DHCP port, and the pdns_server/dnsmasq subprocesses pkg/procsup
supervises.

# Checker Types

HTTPChecker performs an HTTP GET against a URL and considers any status in
a configurable range healthy. TCPChecker dials a host:port over TCP and
considers a successful connection healthy, which fits TCP listeners such
as libvirtd's TCP port or dnsmasq's DNS port without parsing protocol
responses; it does not dial unix sockets. ExecChecker runs a command and considers exit code 0 healthy,
used for pdns_server/dnsmasq readiness probes (e.g. "rndc status"-style
liveness commands) where no network port is a reliable proxy for health.

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

# Status Tracking

Status accumulates consecutive failures/successes across repeated checks so
a single transient failure doesn't flip a subprocess from healthy to
unhealthy; Config.Retries sets how many consecutive failures are required,
and Config.StartPeriod gives a newly spawned subprocess a grace period
before its checks count against it.

# Usage

	checker := health.NewTCPChecker("127.0.0.1:16509")
	checker.WithTimeout(2 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		log.WithComponent("runtime").Warn().Str("reason", result.Message).Msg("libvirtd unreachable")
	}

# See Also

  - pkg/procsup - supervises dnsmasq/pdns_server subprocesses and can use
    ExecChecker/TCPChecker to decide when to restart one
  - pkg/runtime - connects to libvirtd over a unix socket
*/
package health
