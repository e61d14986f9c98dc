package procsup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestStartAndStopTerminatesProcess(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 1; done\n")
	p := New(Spec{Name: "test", Path: script})
	require.NoError(t, p.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
}

func TestStartTwiceFails(t *testing.T) {
	script := writeScript(t, "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 1; done\n")
	p := New(Spec{Name: "test", Path: script})
	require.NoError(t, p.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	}()

	require.Error(t, p.Start())
}

func TestReloadWithoutStartFails(t *testing.T) {
	p := New(Spec{Name: "test", Path: "/bin/true"})
	require.Error(t, p.Reload())
}
