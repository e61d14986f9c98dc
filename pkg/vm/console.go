package vm

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/parallelvirtualcluster/pvc/pkg/procsup"
)

// ConsoleWatcher follows a domain's libvirt console log and copies new
// output into logDirectory/console/<uuid>.log, the console log watcher
// DomainInstance.py starts alongside every running domain (supplemented
// feature, see DESIGN.md). It is started on start_vm and stopped on
// migrate_vm or teardown.
type ConsoleWatcher struct {
	proc *procsup.Process
	dest *os.File
}

// StartConsoleWatcher tails sourcePath (the libvirt-managed console log,
// conventionally /var/log/libvirt/qemu/<uuid>.log) into
// logDirectory/console/<uuid>.log using tail -F, which survives the
// source file being recreated across a VM restart.
func StartConsoleWatcher(uuid, sourcePath, logDirectory string) (*ConsoleWatcher, error) {
	destDir := filepath.Join(logDirectory, "console")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create console log dir: %w", err)
	}
	destPath := filepath.Join(destDir, uuid+".log")
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open console log %s: %w", destPath, err)
	}

	proc := procsup.New(procsup.Spec{
		Name:   fmt.Sprintf("console-%s", uuid),
		Path:   "tail",
		Args:   []string{"-F", "-n", "0", sourcePath},
		Stdout: dest,
	})
	if err := proc.Start(); err != nil {
		dest.Close()
		return nil, fmt.Errorf("start console watcher for %s: %w", uuid, err)
	}
	return &ConsoleWatcher{proc: proc, dest: dest}, nil
}

// Stop terminates the watcher. Safe to call on a nil *ConsoleWatcher.
func (w *ConsoleWatcher) Stop(ctx context.Context) error {
	if w == nil {
		return nil
	}
	err := w.proc.Stop(ctx)
	w.dest.Close()
	return err
}
