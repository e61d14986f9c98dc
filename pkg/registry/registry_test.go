package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/store"
	"github.com/parallelvirtualcluster/pvc/pkg/store/storetest"
	"github.com/stretchr/testify/require"
)

type fakeObj struct {
	name   string
	closed bool
	mu     *sync.Mutex
}

func (f *fakeObj) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegistryAddsAndRemovesOnChildChange(t *testing.T) {
	client := storetest.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	built := map[string]*fakeObj{}

	r, err := New[*fakeObj](ctx, client, "/domains", "vm", func(ctx context.Context, identity string) (*fakeObj, error) {
		mu.Lock()
		defer mu.Unlock()
		obj := &fakeObj{name: identity, mu: &mu}
		built[identity] = obj
		return obj, nil
	})
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, client.WriteTxn(ctx, []store.WriteOp{
		{Key: "/domains/uuid-1/state", Expected: store.Any, Data: "start"},
	}, nil))

	require.Eventually(t, func() bool {
		_, ok := r.Get("uuid-1")
		return ok
	}, time.Second, time.Millisecond)

	require.NoError(t, client.WriteTxn(ctx, nil, []store.Delete{
		{Key: "/domains/uuid-1/state", Expected: store.Any},
	}))

	require.Eventually(t, func() bool {
		_, ok := r.Get("uuid-1")
		return !ok
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, built["uuid-1"].closed)
}
