// Package ipmi drives a fenced node's BMC via ipmitool, implementing the
// exact reset/status/on sequence and a short-circuit: only issue "chassis
// power on" if a status check doesn't already report the chassis powered on.
package ipmi

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

// Target names the BMC to fence and the credentials to use.
type Target struct {
	Hostname string
	Username string
	Password string
}

// Reboot issues a hard power-cycle: chassis power reset, a settle delay,
// then a status check, powering on only if the chassis isn't already
// reporting on. Returns nil only if the sequence completed without error;
// callers interpret a non-nil error as a failed fence.
func Reboot(ctx context.Context, t Target) error {
	logger := log.WithComponent("ipmi").With().Str("bmc", t.Hostname).Logger()

	if _, err := run(ctx, t, "chassis", "power", "reset"); err != nil {
		logger.Error().Err(err).Msg("chassis power reset failed")
		return fmt.Errorf("ipmi reset: %w", err)
	}

	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	status, err := run(ctx, t, "chassis", "power", "status")
	if err != nil {
		logger.Error().Err(err).Msg("chassis power status failed")
		return fmt.Errorf("ipmi status: %w", err)
	}

	if strings.Contains(strings.ToLower(status), "is on") {
		return nil
	}

	if _, err := run(ctx, t, "chassis", "power", "on"); err != nil {
		logger.Error().Err(err).Msg("chassis power on failed")
		return fmt.Errorf("ipmi power on: %w", err)
	}
	return nil
}

func run(ctx context.Context, t Target, args ...string) (string, error) {
	full := append([]string{"-I", "lanplus", "-H", t.Hostname, "-U", t.Username, "-P", t.Password}, args...)
	cmd := exec.CommandContext(ctx, "ipmitool", full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("ipmitool %v: %w (output: %s)", args, err, string(out))
	}
	return string(out), nil
}
