package vm

import (
	"context"
	"fmt"

	"github.com/parallelvirtualcluster/pvc/pkg/rbd"
)

// rbdLockFlusher is the production lockFlusher, parsing disk sources out
// of the domain XML and delegating to pkg/rbd for each RBD-backed disk.
type rbdLockFlusher struct{}

func newRBDLockFlusher() *rbdLockFlusher { return &rbdLockFlusher{} }

func (f *rbdLockFlusher) FlushLocksForXML(ctx context.Context, domXML string, staleClientIDs []string) error {
	images, err := rbd.ImagesFromDomainXML(domXML)
	if err != nil {
		return fmt.Errorf("parse domain xml: %w", err)
	}
	for _, img := range images {
		if err := rbd.FlushLocks(ctx, img, staleClientIDs); err != nil {
			return err
		}
	}
	return nil
}
