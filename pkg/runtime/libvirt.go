package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/google/uuid"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// DefaultSocketPath is libvirtd's default Unix socket.
const DefaultSocketPath = "/var/run/libvirt/libvirt-sock"

// Libvirt drives domains through libvirtd's RPC protocol. It implements
// pkg/vm.Runtime and pkg/facts.DomainLister.
type Libvirt struct {
	conn *libvirt.Libvirt
}

// Connect dials libvirtd over its local Unix socket and performs the
// libvirt RPC handshake. socketPath defaults to DefaultSocketPath.
func Connect(socketPath string) (*Libvirt, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	d := dialers.NewLocal(dialers.WithSocket(socketPath))
	l := libvirt.NewWithDialer(d)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("connect to libvirtd at %s: %w", socketPath, err)
	}
	return &Libvirt{conn: l}, nil
}

// Close disconnects from libvirtd.
func (r *Libvirt) Close() error {
	return r.conn.Disconnect()
}

func parseUUID(uuidStr string) (libvirt.UUID, error) {
	var out libvirt.UUID
	parsed, err := uuid.Parse(uuidStr)
	if err != nil {
		return out, fmt.Errorf("parse domain uuid %s: %w", uuidStr, err)
	}
	copy(out[:], parsed[:])
	return out, nil
}

func (r *Libvirt) lookup(uuidStr string) (libvirt.Domain, error) {
	id, err := parseUUID(uuidStr)
	if err != nil {
		return libvirt.Domain{}, err
	}
	return r.conn.DomainLookupByUUID(id)
}

// State returns uuid's current observed state, or types.LibvirtStateAbsent
// if it is not currently defined on this host.
func (r *Libvirt) State(ctx context.Context, uuidStr string) (types.LibvirtState, error) {
	dom, err := r.lookup(uuidStr)
	if err != nil {
		return types.LibvirtStateAbsent, nil
	}
	state, _, err := r.conn.DomainGetState(dom, 0)
	if err != nil {
		return types.LibvirtStateAbsent, nil
	}
	return fromLibvirtState(libvirt.DomainState(state)), nil
}

// fromLibvirtState maps libvirt's numeric VIR_DOMAIN_* state constants
// onto the coarser vocabulary the action-selection table needs.
func fromLibvirtState(state libvirt.DomainState) types.LibvirtState {
	switch state {
	case libvirt.DomainRunning, libvirt.DomainBlocked:
		return types.LibvirtStateRunning
	case libvirt.DomainPaused:
		return types.LibvirtStatePaused
	case libvirt.DomainShutdown, libvirt.DomainShutoff, libvirt.DomainCrashed:
		return types.LibvirtStateShutoff
	default:
		return types.LibvirtStateAbsent
	}
}

// DefineAndCreate defines uuid from xml if it isn't already defined, then
// starts it if it isn't already running.
func (r *Libvirt) DefineAndCreate(ctx context.Context, uuidStr, xml string) error {
	dom, err := r.lookup(uuidStr)
	if err != nil {
		dom, err = r.conn.DomainDefineXML(xml)
		if err != nil {
			return fmt.Errorf("define domain %s: %w", uuidStr, err)
		}
	}
	state, _, err := r.conn.DomainGetState(dom, 0)
	if err == nil && libvirt.DomainState(state) == libvirt.DomainRunning {
		return nil
	}
	if err := r.conn.DomainCreate(dom); err != nil {
		return fmt.Errorf("create domain %s: %w", uuidStr, err)
	}
	return nil
}

// Shutdown requests a graceful ACPI shutdown and returns immediately.
func (r *Libvirt) Shutdown(ctx context.Context, uuidStr string) error {
	dom, err := r.lookup(uuidStr)
	if err != nil {
		return nil
	}
	if err := r.conn.DomainShutdown(dom); err != nil {
		return fmt.Errorf("shutdown domain %s: %w", uuidStr, err)
	}
	return nil
}

// Destroy forcibly stops uuid.
func (r *Libvirt) Destroy(ctx context.Context, uuidStr string) error {
	dom, err := r.lookup(uuidStr)
	if err != nil {
		return nil
	}
	if err := r.conn.DomainDestroy(dom); err != nil {
		return fmt.Errorf("destroy domain %s: %w", uuidStr, err)
	}
	return nil
}

// Migrate performs a blocking live migration of uuid to targetURI
// (qemu+tcp://<target>/system), preserving the domain's defined XML and
// keeping it running throughout.
func (r *Libvirt) Migrate(ctx context.Context, uuidStr, targetURI string) error {
	dom, err := r.lookup(uuidStr)
	if err != nil {
		return fmt.Errorf("lookup domain %s for migration: %w", uuidStr, err)
	}
	flags := uint32(libvirt.MigrateLive | libvirt.MigratePersistDest | libvirt.MigrateUndefineSource)
	_, err = r.conn.DomainMigrateToURI3(dom, targetURI, nil, flags)
	if err != nil {
		return fmt.Errorf("migrate domain %s to %s: %w", uuidStr, targetURI, err)
	}
	return nil
}

// WaitForState polls State until it reports want or timeout elapses.
func (r *Libvirt) WaitForState(ctx context.Context, uuidStr string, want types.LibvirtState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		state, _ := r.State(ctx, uuidStr)
		if state == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("domain %s did not reach state %s within %s", uuidStr, want, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LocalDomains implements pkg/facts.DomainLister: it reports the UUIDs of
// every domain libvirtd reports as active on this host.
func (r *Libvirt) LocalDomains(ctx context.Context) ([]string, error) {
	doms, _, err := r.conn.ConnectListAllDomains(-1, libvirt.ConnectListDomainsActive)
	if err != nil {
		return nil, fmt.Errorf("list active domains: %w", err)
	}
	uuids := make([]string, 0, len(doms))
	for _, d := range doms {
		parsed, err := uuid.FromBytes(d.UUID[:])
		if err != nil {
			continue
		}
		uuids = append(uuids, parsed.String())
	}
	return uuids, nil
}
