package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/beyondbrewing/brewery-couch/document"
)

// Close shuts down the four namespace stores and removes the handle from
// the process-wide registry so the directory can be reopened later.
// Change-feed subscribers are not detached: the per-name emitter outlives
// the handle.
func (d *Database) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return document.ErrNotOpen
	}

	openStores.Lock()
	delete(openStores.m, d.path)
	openStores.Unlock()

	var errs []error
	for _, s := range []struct {
		name  string
		store interface{ Close() error }
	}{
		{docStoreDir, d.docStore},
		{seqStoreDir, d.seqStore},
		{attachDir, d.attachMeta},
		{attachBinDir, d.attachBlob},
	} {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", s.name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("adapter: close: %w", errors.Join(errs...))
	}

	d.logger.Info("database closed", "path", d.path)
	return nil
}

// Destroy closes the database if it is open, then removes its directory
// recursively. Destroying a database that does not exist on disk surfaces
// the not-found error.
func Destroy(name string) error {
	path, err := filepath.Abs(name)
	if err != nil {
		return fmt.Errorf("adapter: cannot resolve path %q: %w", name, err)
	}

	openStores.Lock()
	d, open := openStores.m[path]
	openStores.Unlock()

	if open {
		if err := d.Close(); err != nil && !errors.Is(err, document.ErrNotOpen) {
			return err
		}
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return document.ErrMissingDoc
		}
		return fmt.Errorf("adapter: stat %s: %w", path, err)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("adapter: destroy %s: %w", path, err)
	}
	return nil
}

// RemoveDocRevisions deletes the sequence-store bodies of the given
// revisions of one document. It is a compaction primitive: metadata and
// attachment references are the caller's responsibility. Revisions
// without a known sequence are ignored; an empty revs list is a no-op.
func (d *Database) RemoveDocRevisions(id string, revs []string) error {
	if d.closed.Load() {
		return document.ErrNotOpen
	}
	if len(revs) == 0 {
		return nil
	}

	meta, err := d.getMeta(id)
	if err != nil {
		return err
	}

	for _, rev := range revs {
		seq, ok := meta.RevMap[rev]
		if !ok {
			continue
		}
		if err := d.seqStore.Delete(encodeSeq(seq)); err != nil {
			return document.WrapKV(err)
		}
	}
	return nil
}
