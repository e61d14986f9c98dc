// Package runtime drives libvirt domains on the local hypervisor: define,
// create, shut down, destroy, migrate, and poll for state, via
// github.com/digitalocean/go-libvirt's RPC client against libvirtd's Unix
// socket (no cgo, no libvirt-dev headers required at build time).
//
// Libvirt implements pkg/vm.Runtime and pkg/facts.DomainLister; it is the
// only package in this module that talks to libvirtd.
package runtime
