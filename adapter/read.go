package adapter

import (
	"errors"

	"github.com/beyondbrewing/brewery-couch/db"
	"github.com/beyondbrewing/brewery-couch/document"
	"github.com/beyondbrewing/brewery-couch/revtree"
	"github.com/goccy/go-json"
)

// GetOptions control document reads.
type GetOptions struct {
	// Rev selects a specific revision instead of the winner.
	Rev string

	// Conflicts adds the losing non-deleted leaf revisions under
	// _conflicts.
	Conflicts bool

	// Attachments expands every attachment inline instead of returning
	// stubs.
	Attachments bool

	// Encode returns inline attachment payloads base64-encoded rather
	// than as raw bytes. Only meaningful with Attachments.
	Encode bool
}

// Get returns the document body for the winning revision (or opts.Rev),
// with _id and _rev stamped. A document whose winning revision is a
// deletion reads as missing unless an explicit revision is requested.
func (d *Database) Get(id string, opts GetOptions) (map[string]any, error) {
	if d.closed.Load() {
		return nil, document.ErrNotOpen
	}

	meta, err := d.getMeta(id)
	if err != nil {
		return nil, err
	}

	rev := opts.Rev
	if rev == "" {
		if meta.IsDeleted() {
			return nil, document.WithReason(document.ErrMissingDoc, "deleted")
		}
		rev = meta.WinningRev()
	}

	body, err := d.readBody(meta, rev)
	if err != nil {
		return nil, err
	}

	body["_id"] = id
	body["_rev"] = rev

	if opts.Conflicts {
		if conflicts := revtree.Conflicts(meta.RevTree); len(conflicts) > 0 {
			body["_conflicts"] = conflicts
		}
	}

	if atts, ok := body["_attachments"].(map[string]any); ok {
		if err := d.expandAttachments(atts, opts.Attachments, opts.Encode); err != nil {
			return nil, err
		}
	}

	return body, nil
}

// readBody resolves rev -> seq -> body through the sequence store.
func (d *Database) readBody(meta *document.Metadata, rev string) (map[string]any, error) {
	seq, ok := meta.RevMap[rev]
	if !ok {
		return nil, document.ErrMissingDoc
	}
	raw, err := d.seqStore.Get(encodeSeq(seq))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, document.ErrMissingDoc
		}
		return nil, document.WrapKV(err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, document.WrapKV(err)
	}
	return body, nil
}

// expandAttachments either inlines every attachment's payload or marks
// each entry as a stub.
func (d *Database) expandAttachments(atts map[string]any, inline, encode bool) error {
	for _, v := range atts {
		att, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if !inline {
			att["stub"] = true
			continue
		}
		digest, _ := att["digest"].(string)
		data, err := d.readBlob(digest)
		if err != nil {
			return err
		}
		delete(att, "stub")
		if encode {
			att["data"] = document.Btoa(data)
		} else {
			att["data"] = data
		}
	}
	return nil
}

// readBlob fetches attachment bytes by digest. A missing blob row is an
// empty attachment: digests are only recorded without bytes when the
// payload was empty.
func (d *Database) readBlob(digest string) ([]byte, error) {
	data, err := d.attachBlob.Get([]byte(digest))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return []byte{}, nil
		}
		return nil, document.WrapKV(err)
	}
	return data, nil
}

// AttachmentOptions control attachment reads.
type AttachmentOptions struct {
	// Encode returns the payload base64-encoded.
	Encode bool
}

// GetAttachment returns the named attachment's bytes, resolved through
// the document's current winning body.
func (d *Database) GetAttachment(id, name string, opts AttachmentOptions) ([]byte, error) {
	if d.closed.Load() {
		return nil, document.ErrNotOpen
	}

	meta, err := d.getMeta(id)
	if err != nil {
		return nil, err
	}
	body, err := d.readBody(meta, meta.WinningRev())
	if err != nil {
		return nil, err
	}

	atts, _ := body["_attachments"].(map[string]any)
	att, ok := atts[name].(map[string]any)
	if !ok {
		return nil, document.ErrMissingDoc
	}
	digest, _ := att["digest"].(string)

	data, err := d.readBlob(digest)
	if err != nil {
		return nil, err
	}
	if opts.Encode {
		return []byte(document.Btoa(data)), nil
	}
	return data, nil
}

// GetRevisionTree returns the document's revision forest.
func (d *Database) GetRevisionTree(id string) (revtree.Tree, error) {
	if d.closed.Load() {
		return nil, document.ErrNotOpen
	}
	meta, err := d.getMeta(id)
	if err != nil {
		return nil, err
	}
	return meta.RevTree, nil
}

// ---------------------------------------------------------------------------
// allDocs
// ---------------------------------------------------------------------------

// AllDocsOptions control the allDocs scan.
type AllDocsOptions struct {
	// StartKey / EndKey bound the scan (inclusive). Empty means
	// unbounded; the legacy "-1" start sentinel also means unbounded.
	StartKey string
	EndKey   string

	// Keys switches to fetch-by-key mode: rows follow this list's order
	// (reversed when Descending), deleted documents appear with
	// value.deleted set, and unknown keys produce not_found rows.
	Keys []string

	Descending  bool
	IncludeDocs bool

	// Conflicts adds _conflicts to included docs.
	Conflicts bool
}

// AllDocsRow is one row of an allDocs result.
type AllDocsRow struct {
	ID    string         `json:"id,omitempty"`
	Key   string         `json:"key"`
	Value *DocValue      `json:"value,omitempty"`
	Doc   map[string]any `json:"doc,omitempty"`
	Error string         `json:"error,omitempty"`
}

// DocValue is the rev summary carried by every present row.
type DocValue struct {
	Rev     string `json:"rev"`
	Deleted bool   `json:"deleted,omitempty"`
}

// AllDocsResult is the aggregate allDocs response.
type AllDocsResult struct {
	TotalRows uint64       `json:"total_rows"`
	Rows      []AllDocsRow `json:"rows"`
}

// AllDocs scans the document store in key order, skipping local and
// deleted documents (unless Keys mode requests them explicitly).
func (d *Database) AllDocs(opts AllDocsOptions) (*AllDocsResult, error) {
	if d.closed.Load() {
		return nil, document.ErrNotOpen
	}

	result := &AllDocsResult{
		TotalRows: d.docCount.Load(),
		Rows:      []AllDocsRow{},
	}

	if opts.Keys != nil {
		rows, err := d.allDocsByKeys(opts)
		if err != nil {
			return nil, err
		}
		result.Rows = rows
		return result, nil
	}

	rows, err := d.allDocsScan(opts)
	if err != nil {
		return nil, err
	}
	result.Rows = rows
	return result, nil
}

func (d *Database) allDocsScan(opts AllDocsOptions) ([]AllDocsRow, error) {
	it, err := d.docStore.NewIterator()
	if err != nil {
		return nil, document.WrapKV(err)
	}
	defer it.Close()

	start := opts.StartKey
	if start == "-1" {
		// Legacy no-bound sentinel from before explicit empty handling.
		start = ""
	}

	rows := []AllDocsRow{}
	appendRow := func(key []byte, value []byte) error {
		id := string(key)
		if document.IsLocalID(id) {
			return nil
		}
		var meta document.Metadata
		if err := json.Unmarshal(value, &meta); err != nil {
			return document.WrapKV(err)
		}
		if meta.IsDeleted() {
			return nil
		}
		row, err := d.presentRow(&meta, opts.IncludeDocs, opts.Conflicts)
		if err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	}

	if !opts.Descending {
		if start == "" {
			it.SeekToFirst()
		} else {
			it.Seek([]byte(start))
		}
		for ; it.Valid(); it.Next() {
			key := it.Key()
			if opts.EndKey != "" && string(key) > opts.EndKey {
				break
			}
			if err := appendRow(key, it.Value()); err != nil {
				return nil, err
			}
		}
	} else {
		// Descending: startkey is the upper bound, endkey the lower.
		if start == "" {
			it.SeekToLast()
		} else {
			it.Seek([]byte(start))
			if !it.Valid() {
				it.SeekToLast()
			} else if string(it.Key()) > start {
				it.Prev()
			}
		}
		for ; it.Valid(); it.Prev() {
			key := it.Key()
			if opts.EndKey != "" && string(key) < opts.EndKey {
				break
			}
			if err := appendRow(key, it.Value()); err != nil {
				return nil, err
			}
		}
	}
	if err := it.Err(); err != nil {
		return nil, document.WrapKV(err)
	}
	return rows, nil
}

func (d *Database) allDocsByKeys(opts AllDocsOptions) ([]AllDocsRow, error) {
	keys := opts.Keys
	if opts.Descending {
		keys = make([]string, len(opts.Keys))
		for i, k := range opts.Keys {
			keys[len(keys)-1-i] = k
		}
	}

	rows := make([]AllDocsRow, 0, len(keys))
	for _, key := range keys {
		meta, err := d.getMeta(key)
		if err != nil {
			if errors.Is(err, document.ErrMissingDoc) {
				rows = append(rows, AllDocsRow{Key: key, Error: "not_found"})
				continue
			}
			return nil, err
		}
		if meta.IsDeleted() {
			rows = append(rows, AllDocsRow{
				ID:    key,
				Key:   key,
				Value: &DocValue{Rev: meta.WinningRev(), Deleted: true},
			})
			continue
		}
		row, err := d.presentRow(meta, opts.IncludeDocs, opts.Conflicts)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// presentRow builds the row for a live document.
func (d *Database) presentRow(meta *document.Metadata, includeDoc, conflicts bool) (AllDocsRow, error) {
	winning := meta.WinningRev()
	row := AllDocsRow{
		ID:    meta.ID,
		Key:   meta.ID,
		Value: &DocValue{Rev: winning},
	}
	if !includeDoc {
		return row, nil
	}
	body, err := d.readBody(meta, winning)
	if err != nil {
		return row, err
	}
	body["_id"] = meta.ID
	body["_rev"] = winning
	if conflicts {
		if c := revtree.Conflicts(meta.RevTree); len(c) > 0 {
			body["_conflicts"] = c
		}
	}
	if atts, ok := body["_attachments"].(map[string]any); ok {
		if err := d.expandAttachments(atts, false, false); err != nil {
			return row, err
		}
	}
	row.Doc = body
	return row, nil
}
