package vm

import (
	"context"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

// Runtime is the hypervisor operations the Domain Instance state machine
// needs. pkg/runtime's libvirt-backed implementation satisfies this; tests
// use a fake.
type Runtime interface {
	// State returns the domain's current observed libvirt state, or
	// types.LibvirtStateAbsent if it is not defined locally.
	State(ctx context.Context, uuid string) (types.LibvirtState, error)

	// DefineAndCreate defines the domain from xml (if not already
	// defined) and starts it.
	DefineAndCreate(ctx context.Context, uuid, xml string) error

	// Shutdown requests a graceful ACPI shutdown and returns immediately;
	// callers poll State to observe completion.
	Shutdown(ctx context.Context, uuid string) error

	// Destroy forcibly stops the domain.
	Destroy(ctx context.Context, uuid string) error

	// Migrate performs a blocking live migration to targetURI
	// (qemu+tcp://<target>/system).
	Migrate(ctx context.Context, uuid, targetURI string) error

	// WaitForState polls until the domain reaches want or timeout
	// elapses.
	WaitForState(ctx context.Context, uuid string, want types.LibvirtState, timeout time.Duration) error
}

// lockFlusher breaks stale RBD locks held against a domain's backing
// images, abstracted so Domain doesn't need to parse XML
// or shell out in tests.
type lockFlusher interface {
	FlushLocksForXML(ctx context.Context, xml string, staleClientIDs []string) error
}
