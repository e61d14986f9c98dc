package runtime

import (
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/stretchr/testify/require"

	"github.com/parallelvirtualcluster/pvc/pkg/types"
)

func TestParseUUIDRoundTrips(t *testing.T) {
	id, err := parseUUID("550e8400-e29b-41d4-a716-446655440000")
	require.NoError(t, err)
	require.Equal(t, byte(0x55), id[0])
	require.Equal(t, byte(0x00), id[15])
}

func TestParseUUIDRejectsGarbage(t *testing.T) {
	_, err := parseUUID("not-a-uuid")
	require.Error(t, err)
}

func TestFromLibvirtState(t *testing.T) {
	cases := []struct {
		in   libvirt.DomainState
		want types.LibvirtState
	}{
		{libvirt.DomainRunning, types.LibvirtStateRunning},
		{libvirt.DomainBlocked, types.LibvirtStateRunning},
		{libvirt.DomainPaused, types.LibvirtStatePaused},
		{libvirt.DomainShutoff, types.LibvirtStateShutoff},
		{libvirt.DomainCrashed, types.LibvirtStateShutoff},
		{libvirt.DomainNostate, types.LibvirtStateAbsent},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, fromLibvirtState(tc.in))
	}
}

func TestConnectFailsWhenLibvirtdUnreachable(t *testing.T) {
	// No libvirtd socket is expected to exist in the test environment;
	// Connect must surface the dial failure rather than panicking.
	_, err := Connect("/nonexistent/libvirt-sock")
	require.Error(t, err)
}
