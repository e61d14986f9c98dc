// Package coordinator provides the central wiring struct: rather than
// Node, Network, and Domain registries holding references to each other
// (a cyclic graph of mutable object attributes), every component holds a
// reference to one Coordinator and looks up its peers by identity through
// it. The Coordinator itself owns only the store client, resolved
// configuration, and a name-keyed map of the registries components
// install into it.
package coordinator

import (
	"sync"

	"github.com/parallelvirtualcluster/pvc/pkg/config"
	"github.com/parallelvirtualcluster/pvc/pkg/registry"
	"github.com/parallelvirtualcluster/pvc/pkg/store"
)

// Well-known registry names used with RegisterRegistry/LookupRegistry so
// components can find each other without importing each other's packages.
const (
	RegistryNodes    = "nodes"
	RegistryDomains  = "domains"
	RegistryNetworks = "networks"
)

// Coordinator is passed by reference to every long-lived component
// constructed by cmd/pvcd. It carries no component-specific logic of its
// own.
type Coordinator struct {
	Store  store.Client
	Config config.Config

	mu         sync.RWMutex
	registries map[string]any
}

// New constructs a Coordinator around an already-connected store client
// and resolved configuration.
func New(client store.Client, cfg config.Config) *Coordinator {
	return &Coordinator{
		Store:      client,
		Config:     cfg,
		registries: make(map[string]any),
	}
}

// NodeName is this daemon's own identity, the value components compare
// against /domains/<uuid>/node and similar ownership fields.
func (c *Coordinator) NodeName() string {
	return c.Config.NodeName
}

// RegisterRegistry installs a typed registry under name, making it
// discoverable to components that only know the name (e.g. pkg/vm's
// factory looking up the network registry to validate a domain's
// referenced VNIs exist, without importing pkg/network).
func RegisterRegistry[T registry.Object](c *Coordinator, name string, r *registry.Registry[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registries[name] = r
}

// LookupRegistry retrieves a previously-registered typed registry. The
// bool is false if no registry was registered under name, or if it was
// registered with a different type parameter.
func LookupRegistry[T registry.Object](c *Coordinator, name string) (*registry.Registry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.registries[name]
	if !ok {
		return nil, false
	}
	typed, ok := r.(*registry.Registry[T])
	return typed, ok
}

// CloseAll tears down every registered registry in arbitrary order. Called
// once during daemon shutdown after all components have stopped issuing
// new work.
func (c *Coordinator) CloseAll() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var first error
	for _, r := range c.registries {
		if closer, ok := r.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
