package adapter

import (
	"errors"

	"github.com/beyondbrewing/brewery-couch/db"
	"github.com/beyondbrewing/brewery-couch/document"
	"github.com/beyondbrewing/brewery-couch/revtree"
	"github.com/goccy/go-json"
)

// mergeDepth is how much revision history survives per document before
// the oldest ancestors are stemmed away.
const mergeDepth = 1000

// BulkDocsOptions control a bulk write.
type BulkDocsOptions struct {
	// NewEdits is the interactive-edit mode: each document gets a fresh
	// revision descending from its _rev, and edits that do not extend a
	// current leaf are conflicts. With NewEdits false the documents carry
	// replicated history that is grafted verbatim.
	NewEdits bool

	// WasDelete marks the batch as originating from a delete call:
	// deleting a document that does not exist reads as missing rather
	// than creating a deleted tombstone.
	WasDelete bool
}

// NewBulkDocsOptions returns the default interactive-edit options.
func NewBulkDocsOptions() BulkDocsOptions {
	return BulkDocsOptions{NewEdits: true}
}

// BulkResult is the per-document outcome of a bulk write, in input order.
type BulkResult struct {
	OK  bool            `json:"ok,omitempty"`
	ID  string          `json:"id,omitempty"`
	Rev string          `json:"rev,omitempty"`
	Err *document.Error `json:"-"`
}

// bulkWork is one queued write with its input position.
type bulkWork struct {
	info    *document.DocInfo
	bulkSeq int
}

// BulkDocs merges a batch of edits into the database. Documents are
// processed one at a time; a failure confined to one document (conflict,
// bad attachment) is reported in its result slot while the rest of the
// batch proceeds. A parse failure aborts the whole batch.
//
// Writes across a handle are serialized: concurrent BulkDocs calls queue.
func (d *Database) BulkDocs(docs []map[string]any, opts BulkDocsOptions) ([]BulkResult, error) {
	if d.closed.Load() {
		return nil, document.ErrNotOpen
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	// Phase 1 — parse everything before touching any store.
	infos := make([]*document.DocInfo, len(docs))
	for i, raw := range docs {
		info, err := document.ParseDoc(raw, opts.NewEdits)
		if err != nil {
			return nil, err
		}
		if info.Metadata.RevMap == nil {
			info.Metadata.RevMap = map[string]uint64{}
		}
		infos[i] = info
	}

	// Phase 2 — coalesce repeated edits of the same document. Only one
	// write per id may be in flight in a batch; the duplicates conflict.
	results := make([]*BulkResult, len(docs))
	var stack []bulkWork
	for i, info := range infos {
		if len(stack) == 0 ||
			info.Metadata.ID != stack[len(stack)-1].info.Metadata.ID ||
			!opts.NewEdits {
			stack = append(stack, bulkWork{info: info, bulkSeq: i})
			continue
		}
		results[i] = &BulkResult{Err: document.ErrRevConflict}
	}

	// Phase 3 — drain the work stack.
	var committed []Change
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		res, change := d.processDoc(w.info, opts)
		results[w.bulkSeq] = res
		if change != nil {
			committed = append(committed, *change)
		}
	}

	// Phase 6 — emit change events in commit order, then hand back the
	// per-document results in input order.
	for _, change := range committed {
		d.emitter.Emit(change)
	}

	out := make([]BulkResult, len(docs))
	for i, r := range results {
		out[i] = *r
	}
	return out, nil
}

// processDoc routes one write through the insert or update path.
func (d *Database) processDoc(info *document.DocInfo, opts BulkDocsOptions) (*BulkResult, *Change) {
	meta := info.Metadata

	old, err := d.getMeta(meta.ID)
	switch {
	case errors.Is(err, document.ErrMissingDoc):
		return d.insertDoc(info, opts)
	case err != nil:
		return &BulkResult{Err: asDocErr(err)}, nil
	default:
		return d.updateDoc(old, info, opts)
	}
}

// insertDoc handles a document with no prior metadata.
func (d *Database) insertDoc(info *document.DocInfo, opts BulkDocsOptions) (*BulkResult, *Change) {
	meta := info.Metadata

	// Deleting a document that was never inserted is meaningless.
	if opts.WasDelete && meta.Deleted {
		return &BulkResult{Err: document.WithReason(document.ErrMissingDoc, "deleted")}, nil
	}

	countInsert := !document.IsLocalID(meta.ID)
	if countInsert {
		d.docCount.Add(1)
	}

	res, change := d.writeDoc(info)
	if res.Err != nil {
		return res, change
	}

	if countInsert {
		if err := d.writeCounter(keyDocCount, d.docCount.Load()); err != nil {
			return &BulkResult{Err: document.WrapKV(err)}, change
		}
	}
	return res, change
}

// updateDoc merges an edit into existing history, detecting conflicts.
func (d *Database) updateDoc(old *document.Metadata, info *document.DocInfo, opts BulkDocsOptions) (*BulkResult, *Change) {
	meta := info.Metadata

	merged, mergeRes := revtree.Merge(old.RevTree, meta.RevTree[0], mergeDepth)

	conflict := (old.IsDeleted() && meta.Deleted) ||
		(!old.IsDeleted() && opts.NewEdits && mergeRes != revtree.NewLeaf)
	if conflict {
		return &BulkResult{Err: document.ErrRevConflict}, nil
	}

	meta.RevTree = merged
	meta.RevMap = old.RevMap
	return d.writeDoc(info)
}

// writeDoc persists one document revision: ingest attachments, allocate
// the next sequence, then land body, metadata, and the sequence sentinel
// in that order.
func (d *Database) writeDoc(info *document.DocInfo) (*BulkResult, *Change) {
	meta := info.Metadata
	data := info.Data

	data["_id"] = meta.ID
	winningDeleted := meta.IsDeleted()
	if winningDeleted {
		data["_deleted"] = true
	}

	if err := d.ingestAttachments(info); err != nil {
		// The document is abandoned; the rest of the batch proceeds.
		return &BulkResult{Err: asDocErr(err)}, nil
	}

	newSeq := d.updateSeq.Add(1)
	if meta.Seq == 0 {
		meta.Seq = newSeq
	}
	meta.RevMap[meta.Rev] = meta.Seq
	meta.Deleted = winningDeleted

	body, err := json.Marshal(data)
	if err != nil {
		return &BulkResult{Err: document.WrapKV(err)}, nil
	}
	if err := d.seqStore.Put(encodeSeq(meta.Seq), body); err != nil {
		return &BulkResult{Err: document.WrapKV(err)}, nil
	}
	if err := d.putMeta(meta); err != nil {
		return &BulkResult{Err: asDocErr(err)}, nil
	}
	if err := d.writeCounter(keyUpdateSeq, d.updateSeq.Load()); err != nil {
		return &BulkResult{Err: document.WrapKV(err)}, nil
	}

	winning := meta.WinningRev()
	res := &BulkResult{OK: true, ID: meta.ID, Rev: winning}

	if document.IsLocalID(meta.ID) {
		return res, nil
	}

	change := d.buildChange(meta, data, winning)
	return res, &change
}

// buildChange assembles the event published for one committed write.
func (d *Database) buildChange(meta *document.Metadata, data map[string]any, winning string) Change {
	doc := make(map[string]any, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["_rev"] = winning

	leaves := revtree.Leaves(meta.RevTree)
	changes := make([]ChangeRev, len(leaves))
	for i, l := range leaves {
		changes[i] = ChangeRev{Rev: l.Rev()}
	}

	return Change{
		ID:      meta.ID,
		Seq:     meta.Seq,
		Changes: changes,
		Doc:     doc,
		Deleted: meta.Deleted,
	}
}

// ---------------------------------------------------------------------------
// Attachments
// ---------------------------------------------------------------------------

// ingestAttachments walks _attachments, storing every non-stub payload
// content-addressed by md5 and rewriting the body entry into a stub.
func (d *Database) ingestAttachments(info *document.DocInfo) error {
	atts, ok := info.Data["_attachments"].(map[string]any)
	if !ok {
		return nil
	}

	for name, v := range atts {
		att, ok := v.(map[string]any)
		if !ok {
			return document.WithReason(document.ErrBadArg, "_attachments."+name+" must be an object")
		}
		if stub, _ := att["stub"].(bool); stub {
			continue
		}

		var payload []byte
		switch data := att["data"].(type) {
		case string:
			decoded, err := document.Atob(data)
			if err != nil {
				return err
			}
			payload = decoded
		case []byte:
			payload = data
		case nil:
			payload = []byte{}
		default:
			return document.WithReason(document.ErrBadArg, "_attachments."+name+".data must be base64 or bytes")
		}

		digest := document.MD5Digest(payload)
		delete(att, "data")
		att["digest"] = digest
		att["length"] = len(payload)
		att["stub"] = true

		if err := d.saveAttachment(info.Metadata, digest, payload); err != nil {
			return err
		}
	}
	return nil
}

// saveAttachment records the "<docId>@<rev>" reference under the digest
// and stores the bytes. Legacy digest records without reference tracking
// are left exactly as they are: migrating them would require a full scan
// for references, which is a deliberate separate operation. Empty
// payloads get a digest record but no blob row.
func (d *Database) saveAttachment(meta *document.Metadata, digest string, payload []byte) error {
	ref := meta.ID + "@" + meta.Rev

	raw, err := d.attachMeta.Get([]byte(digest))
	switch {
	case errors.Is(err, db.ErrKeyNotFound):
		if err := d.putAttachRefs(digest, map[string]bool{ref: true}); err != nil {
			return err
		}
	case err != nil:
		return document.WrapKV(err)
	default:
		var entry attachEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return document.WrapKV(err)
		}
		if entry.Refs != nil {
			entry.Refs[ref] = true
			if err := d.putAttachRefs(digest, entry.Refs); err != nil {
				return err
			}
		}
	}

	if len(payload) == 0 {
		return nil
	}
	if err := d.attachBlob.Put([]byte(digest), payload); err != nil {
		return document.WrapKV(err)
	}
	return nil
}

// attachEntry is the attach-store record: which document revisions
// reference the digest. Refs is nil for legacy records.
type attachEntry struct {
	Refs map[string]bool `json:"refs,omitempty"`
}

func (d *Database) putAttachRefs(digest string, refs map[string]bool) error {
	raw, err := json.Marshal(attachEntry{Refs: refs})
	if err != nil {
		return document.WrapKV(err)
	}
	if err := d.attachMeta.Put([]byte(digest), raw); err != nil {
		return document.WrapKV(err)
	}
	return nil
}

// asDocErr coerces any error into the structured taxonomy.
func asDocErr(err error) *document.Error {
	var de *document.Error
	if errors.As(err, &de) {
		return de
	}
	return document.WrapKV(err)
}

// ---------------------------------------------------------------------------
// Convenience wrappers
// ---------------------------------------------------------------------------

// Put writes a single document as an interactive edit.
func (d *Database) Put(doc map[string]any) (BulkResult, error) {
	results, err := d.BulkDocs([]map[string]any{doc}, NewBulkDocsOptions())
	if err != nil {
		return BulkResult{}, err
	}
	res := results[0]
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// Delete tombstones the given revision of a document.
func (d *Database) Delete(id, rev string) (BulkResult, error) {
	doc := map[string]any{"_id": id, "_rev": rev, "_deleted": true}
	results, err := d.BulkDocs([]map[string]any{doc}, BulkDocsOptions{NewEdits: true, WasDelete: true})
	if err != nil {
		return BulkResult{}, err
	}
	res := results[0]
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}
