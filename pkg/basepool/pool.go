// Package basepool manages the node-local pool of promoted base
// directories used as read-only lower layers for overlay mounts.
//
// The pool is a flat directory of subdirectories, one per base, named by
// base ID. There is no metadata file: creation time is carried in the
// promotion marker inside each base, falling back to directory mtime.
package basepool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// MarkerFilename is the sentinel file a workload writes into its volume to
// signal that the volume may become a base. At promotion time the pool
// rewrites the marker with the base's creation timestamp.
const MarkerFilename = ".as_base"

// Sentinel errors for pool operations.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrDuplicateBase indicates an insert collided with an existing base ID
	ErrDuplicateBase = errors.New("duplicate base")

	// ErrBaseInUse indicates a base is referenced by a live overlay mount
	ErrBaseInUse = errors.New("base in use")

	// ErrPoolNotEmpty indicates a promotion was attempted while a base
	// already exists; the caller should discard its candidate instead
	ErrPoolNotEmpty = errors.New("pool not empty")
)

// Base is an immutable, promoted directory tree.
type Base struct {
	// ID is the pool-assigned identifier, also the directory name
	ID string

	// Path is the base directory under the pool root
	Path string

	// CreatedAt is when the base was promoted
	CreatedAt time.Time
}

// BaseInfo is a snapshot of a base and its live reference count.
type BaseInfo struct {
	Base
	Refs int
}

// entry tracks a registered base and its overlay reference count.
type entry struct {
	base Base
	refs int
}

// Pool is the authoritative collection of available bases. A single mutex
// guards membership and reference counts; every check-and-act sequence
// (pick, promote, remove) runs entirely under it so a base can never be
// evicted between being picked and its mount being established.
type Pool struct {
	mu    sync.Mutex
	root  string
	bases map[string]*entry

	// newID generates fresh base IDs; injectable for tests
	newID func() string
}

// New creates a Pool rooted at root, creating the directory if needed and
// re-registering any base directories that survived a plugin restart.
func New(root string) (*Pool, error) {
	if root == "" {
		return nil, fmt.Errorf("pool root is required")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, fmt.Errorf("failed to create pool root: %w", err)
	}

	p := &Pool{
		root:  root,
		bases: make(map[string]*entry),
		newID: uuid.NewString,
	}

	if err := p.scan(); err != nil {
		return nil, err
	}

	return p, nil
}

// scan registers base directories already present under the pool root.
func (p *Pool) scan() error {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return fmt.Errorf("failed to read pool root %s: %w", p.root, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, de := range entries {
		if !de.IsDir() {
			klog.V(4).Infof("Skipping non-directory pool entry %s", de.Name())
			continue
		}
		path := filepath.Join(p.root, de.Name())
		if err := p.registerLocked(path); err != nil {
			// A bad entry should not prevent startup; it will age out
			klog.Warningf("Skipping unregisterable base %s: %v", path, err)
		}
	}

	if len(p.bases) > 0 {
		klog.Infof("Recovered %d base(s) from %s", len(p.bases), p.root)
	}
	return nil
}

// registerLocked registers a directory already located under the pool root.
// The directory name is the base ID. Caller must hold p.mu.
func (p *Pool) registerLocked(path string) error {
	id := filepath.Base(path)
	if _, ok := p.bases[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBase, id)
	}

	createdAt, err := readMarkerTime(path)
	if err != nil {
		// Marker missing or unreadable: fall back to directory mtime
		fi, statErr := os.Stat(path)
		if statErr != nil {
			return fmt.Errorf("failed to stat base directory: %w", statErr)
		}
		klog.V(4).Infof("Base %s has no readable marker timestamp (%v), using directory mtime", id, err)
		createdAt = fi.ModTime()
	}

	p.bases[id] = &entry{
		base: Base{ID: id, Path: path, CreatedAt: createdAt},
	}
	return nil
}

// TryPick returns an available base, or false if the pool is empty. The
// returned base's reference count is incremented; the caller must call
// Release with the same ID once the referencing volume is unpublished.
//
// Selection is deterministic: the most recently created base wins, ties
// broken by the lexically greatest ID.
func (p *Pool) TryPick() (Base, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var picked *entry
	for _, e := range p.bases {
		if picked == nil {
			picked = e
			continue
		}
		if e.base.CreatedAt.After(picked.base.CreatedAt) ||
			(e.base.CreatedAt.Equal(picked.base.CreatedAt) && e.base.ID > picked.base.ID) {
			picked = e
		}
	}

	if picked == nil {
		return Base{}, false
	}

	picked.refs++
	klog.V(4).Infof("Picked base %s (refs=%d)", picked.base.ID, picked.refs)
	return picked.base, true
}

// Release drops one reference to a base. Releasing an unknown base is a
// no-op: the base may already have been reaped after its last mount went
// away in a previous plugin incarnation.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.bases[id]
	if !ok {
		klog.V(4).Infof("Release of unknown base %s ignored", id)
		return
	}
	if e.refs == 0 {
		klog.Warningf("Reference count underflow prevented for base %s", id)
		return
	}
	e.refs--
	klog.V(4).Infof("Released base %s (refs=%d)", id, e.refs)
}

// Promote atomically turns a candidate directory into a base: it re-checks
// pool emptiness, renames src from its pod-local host path into the pool
// root, stamps the promotion marker, and registers the result, all under
// the pool lock. Two candidates racing on an empty pool therefore resolve
// deterministically: exactly one insert succeeds and the loser receives
// ErrPoolNotEmpty.
//
// src must be a host-visible path on the same filesystem as the pool root;
// a cross-device rename fails and the candidate is left in place for the
// caller to delete.
func (p *Pool) Promote(src string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.bases) > 0 {
		return "", ErrPoolNotEmpty
	}

	id := p.newID()
	dst := filepath.Join(p.root, id)
	if _, ok := p.bases[id]; ok {
		// Cannot happen with fresh UUIDs, but the contract requires it
		return "", fmt.Errorf("%w: %s", ErrDuplicateBase, id)
	}

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to rename candidate into pool: %w", err)
	}

	now := time.Now().UTC()
	if err := writeMarkerTime(dst, now); err != nil {
		// The base is usable without a readable marker; age falls back to
		// directory mtime on the next restart
		klog.Warningf("Failed to stamp promotion marker for base %s: %v", id, err)
	}

	p.bases[id] = &entry{
		base: Base{ID: id, Path: dst, CreatedAt: now},
	}

	klog.Infof("Promoted %s into base %s", src, id)
	return id, nil
}

// Remove deletes a base's backing directory and unregisters it. It fails
// with ErrBaseInUse while a live overlay reference exists. Removing an
// unknown base is a no-op success.
func (p *Pool) Remove(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.bases[id]
	if !ok {
		return nil
	}
	if e.refs > 0 {
		return fmt.Errorf("%w: base %s has %d live reference(s)", ErrBaseInUse, id, e.refs)
	}

	if err := os.RemoveAll(e.base.Path); err != nil {
		return fmt.Errorf("failed to delete base directory: %w", err)
	}
	delete(p.bases, id)

	klog.V(2).Infof("Removed base %s", id)
	return nil
}

// Len returns the number of registered bases.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bases)
}

// List returns a snapshot of all bases and their reference counts.
func (p *Pool) List() []BaseInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]BaseInfo, 0, len(p.bases))
	for _, e := range p.bases {
		infos = append(infos, BaseInfo{Base: e.base, Refs: e.refs})
	}
	return infos
}

// Root returns the pool's root directory.
func (p *Pool) Root() string {
	return p.root
}

// writeMarkerTime stamps the promotion marker inside a base with t.
func writeMarkerTime(basePath string, t time.Time) error {
	return os.WriteFile(filepath.Join(basePath, MarkerFilename), []byte(t.Format(time.RFC3339)), 0640)
}

// readMarkerTime reads the promotion timestamp from a base's marker file.
func readMarkerTime(basePath string) (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(basePath, MarkerFilename))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, string(data))
}
