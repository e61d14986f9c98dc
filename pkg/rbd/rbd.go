// Package rbd flushes stale Ceph RBD locks ahead of force-starting a
// domain whose previous owner was fenced, a prerequisite for
// invariant I2 (no two nodes run the same domain) to keep holding after a
// fence. It shells out to the rbd CLI the way pkg/network shells out to
// nft/dnsmasq — there is no RBD client library in the example pack.
package rbd

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strings"
)

// Image identifies one pool/image pair referenced by a Domain's XML disk
// definitions.
type Image struct {
	Pool  string
	Image string
}

// domainXML is the minimal libvirt domain XML shape needed to find RBD
// disk sources; everything else is ignored.
type domainXML struct {
	Devices struct {
		Disks []struct {
			Type   string `xml:"type,attr"`
			Source struct {
				Protocol string `xml:"protocol,attr"`
				Name     string `xml:"name,attr"`
			} `xml:"source"`
		} `xml:"disk"`
	} `xml:"devices"`
}

// ImagesFromDomainXML extracts every RBD-backed disk's pool/image pair out
// of a libvirt domain XML document, the one parse both pkg/vm (force-start
// after fence) and pkg/fence (relocation) need before calling FlushLocks or
// FlushAllLocks.
func ImagesFromDomainXML(domXML string) ([]Image, error) {
	var d domainXML
	if err := xml.Unmarshal([]byte(domXML), &d); err != nil {
		return nil, err
	}
	var images []Image
	for _, disk := range d.Devices.Disks {
		if disk.Type != "network" || disk.Source.Protocol != "rbd" {
			continue
		}
		pool, image, ok := strings.Cut(disk.Source.Name, "/")
		if !ok {
			continue
		}
		images = append(images, Image{Pool: pool, Image: image})
	}
	return images, nil
}

type lockEntry struct {
	Locker string `json:"locker"`
	Client string `json:"address"`
	Cookie string `json:"id"`
}

// FlushLocks lists exclusive-lock watchers on image and breaks every lock
// whose client id matches one of staleClientIDs (the fenced node's prior
// libvirt/qemu RBD client handles). Idempotent: an image with no matching
// lock is left untouched.
func FlushLocks(ctx context.Context, img Image, staleClientIDs []string) error {
	locks, err := listLocks(ctx, img)
	if err != nil {
		return fmt.Errorf("list locks on %s/%s: %w", img.Pool, img.Image, err)
	}

	stale := make(map[string]bool, len(staleClientIDs))
	for _, id := range staleClientIDs {
		stale[id] = true
	}

	for _, l := range locks {
		if !stale[l.Client] {
			continue
		}
		if err := removeLock(ctx, img, l); err != nil {
			return fmt.Errorf("break lock %s on %s/%s: %w", l.Cookie, img.Pool, img.Image, err)
		}
	}
	return nil
}

// FlushAllLocks breaks every exclusive lock held on image regardless of
// client id, for the fence-task case: once a node's own "saving throws"
// confirm it dead, any lock it still holds is definitionally stale, since
// locks are exclusive and no live node would legitimately hold one for a
// domain it doesn't own.
func FlushAllLocks(ctx context.Context, img Image) error {
	locks, err := listLocks(ctx, img)
	if err != nil {
		return fmt.Errorf("list locks on %s/%s: %w", img.Pool, img.Image, err)
	}
	for _, l := range locks {
		if err := removeLock(ctx, img, l); err != nil {
			return fmt.Errorf("break lock %s on %s/%s: %w", l.Cookie, img.Pool, img.Image, err)
		}
	}
	return nil
}

func listLocks(ctx context.Context, img Image) ([]lockEntry, error) {
	out, err := runRBD(ctx, "lock", "ls", "--format", "json", rbdSpec(img))
	if err != nil {
		if strings.Contains(err.Error(), "no locks") {
			return nil, nil
		}
		return nil, err
	}
	var locks []lockEntry
	if len(strings.TrimSpace(out)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(out), &locks); err != nil {
		return nil, fmt.Errorf("parse lock list: %w", err)
	}
	return locks, nil
}

func removeLock(ctx context.Context, img Image, l lockEntry) error {
	_, err := runRBD(ctx, "lock", "rm", rbdSpec(img), l.Cookie, l.Locker)
	return err
}

func rbdSpec(img Image) string {
	return fmt.Sprintf("%s/%s", img.Pool, img.Image)
}

func runRBD(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "rbd", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("rbd %v: %w (output: %s)", args, err, string(out))
	}
	return string(out), nil
}
