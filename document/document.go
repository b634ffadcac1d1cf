// Package document implements parsing of raw JSON documents into the
// typed metadata + body pair the storage adapter works with, deterministic
// revision-id generation, base64 helpers for attachment payloads, and the
// structured error taxonomy shared across the adapter surface.
package document

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/beyondbrewing/brewery-couch/revtree"
	"github.com/cristalhq/base64"
	"github.com/goccy/go-json"
)

// Metadata is the per-document record kept in the document store: the
// full revision forest, the mapping from materialized revisions to their
// sequence-log keys, and the cached winning-revision state.
type Metadata struct {
	ID string `json:"id"`

	// RevTree is the revision forest managed by the revtree package.
	RevTree revtree.Tree `json:"rev_tree"`

	// RevMap maps every revision ever written to the sequence under which
	// its body lives, until revision pruning removes it.
	RevMap map[string]uint64 `json:"rev_map"`

	// Rev is the revision this metadata was last written under.
	Rev string `json:"rev"`

	// Seq is the sequence of the most recent write of this document.
	Seq uint64 `json:"seq"`

	// Deleted mirrors the winning leaf's deleted flag.
	Deleted bool `json:"deleted,omitempty"`
}

// WinningRev returns the deterministic winner among the tree's leaves.
func (m *Metadata) WinningRev() string {
	return revtree.WinningRev(m.RevTree)
}

// IsDeleted reports whether the winning revision is a deletion.
func (m *Metadata) IsDeleted() bool {
	return revtree.IsDeleted(m.RevTree, "")
}

// DocInfo pairs parsed metadata with the document body destined for the
// sequence store.
type DocInfo struct {
	Metadata *Metadata
	Data     map[string]any
}

// IsLocalID reports whether the id names a local (non-replicated)
// document. Local documents are excluded from allDocs and the change feed.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, "_local/")
}

// reserved document members that parse into metadata rather than the body.
// _attachments stays in the body; it rides along with every revision.
var reservedMembers = map[string]bool{
	"_id":        true,
	"_rev":       true,
	"_deleted":   true,
	"_revisions": true,
	"_rev_tree":  true,
	"_conflicts": true,
	"_revs_info": true,
	"_local_seq": true,
}

// ParseDoc validates a raw JSON document and splits it into metadata and
// body. With newEdits set, the edit receives a freshly generated revision
// descending from the document's _rev (or generation 1 when absent). With
// newEdits unset, the document's _revisions list (or literal _rev) is
// taken as an existing history to graft verbatim.
func ParseDoc(raw map[string]any, newEdits bool) (*DocInfo, error) {
	if raw == nil {
		return nil, WithReason(ErrBadArg, "document must be an object")
	}

	deleted, _ := raw["_deleted"].(bool)

	id, err := parseID(raw)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if strings.HasPrefix(k, "_") {
			if k == "_attachments" {
				// Copied two levels deep: the write pipeline rewrites
				// attachment entries into stubs and must not touch the
				// caller's maps.
				data[k] = copyAttachments(v)
				continue
			}
			if !reservedMembers[k] {
				return nil, WithReason(ErrDocValidation, k)
			}
			continue
		}
		data[k] = v
	}

	meta := &Metadata{
		ID:      id,
		RevMap:  map[string]uint64{},
		Deleted: deleted,
	}

	if newEdits {
		if err := parseNewEdit(raw, meta, data, deleted); err != nil {
			return nil, err
		}
	} else {
		if err := parseExistingEdit(raw, meta, deleted); err != nil {
			return nil, err
		}
	}

	return &DocInfo{Metadata: meta, Data: data}, nil
}

func copyAttachments(v any) any {
	atts, ok := v.(map[string]any)
	if !ok {
		return v
	}
	out := make(map[string]any, len(atts))
	for name, av := range atts {
		att, ok := av.(map[string]any)
		if !ok {
			out[name] = av
			continue
		}
		inner := make(map[string]any, len(att))
		for k, iv := range att {
			inner[k] = iv
		}
		out[name] = inner
	}
	return out
}

func parseID(raw map[string]any) (string, error) {
	v, present := raw["_id"]
	if !present {
		// POST-style insert: mint an id.
		return randomID(), nil
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return "", ErrMissingID
	}
	if strings.HasPrefix(id, "_") &&
		!strings.HasPrefix(id, "_design/") &&
		!strings.HasPrefix(id, "_local/") {
		return "", WithReason(ErrReservedID, id)
	}
	return id, nil
}

// parseNewEdit builds the one-path graft for an interactive edit: the
// parent revision (when present) as root with the new revision as its
// only child.
func parseNewEdit(raw map[string]any, meta *Metadata, data map[string]any, deleted bool) error {
	revRaw, hasRev := raw["_rev"]
	if !hasRev || revRaw == nil || revRaw == "" {
		newID := GenerateRevID(meta.ID, "", deleted, data)
		meta.Rev = revtree.FormatRev(1, newID)
		meta.RevTree = revtree.Tree{{
			Pos:  1,
			Root: &revtree.Node{ID: newID, Deleted: deleted},
		}}
		return nil
	}

	rev, ok := revRaw.(string)
	if !ok {
		return ErrInvalidRev
	}
	pos, parentID, err := revtree.ParseRev(rev)
	if err != nil {
		return ErrInvalidRev
	}

	newID := GenerateRevID(meta.ID, rev, deleted, data)
	meta.Rev = revtree.FormatRev(pos+1, newID)
	meta.RevTree = revtree.Tree{{
		Pos: pos,
		Root: &revtree.Node{
			ID: parentID,
			Children: []*revtree.Node{
				{ID: newID, Deleted: deleted},
			},
		},
	}}
	return nil
}

// parseExistingEdit grafts replicated history: either the _revisions
// ancestry list (newest first) or, failing that, the literal _rev as a
// single disconnected node.
func parseExistingEdit(raw map[string]any, meta *Metadata, deleted bool) error {
	if revisions, ok := raw["_revisions"].(map[string]any); ok {
		start, ids, err := parseRevisions(revisions)
		if err != nil {
			return err
		}
		meta.Rev = revtree.FormatRev(start, ids[0])

		// Chain runs oldest -> newest; only the newest carries state.
		leaf := &revtree.Node{ID: ids[0], Deleted: deleted}
		node := leaf
		for _, ancestor := range ids[1:] {
			node = &revtree.Node{ID: ancestor, Children: []*revtree.Node{node}}
		}
		meta.RevTree = revtree.Tree{{Pos: start - len(ids) + 1, Root: node}}
		return nil
	}

	rev, ok := raw["_rev"].(string)
	if !ok {
		return ErrInvalidRev
	}
	pos, revID, err := revtree.ParseRev(rev)
	if err != nil {
		return ErrInvalidRev
	}
	meta.Rev = rev
	meta.RevTree = revtree.Tree{{
		Pos:  pos,
		Root: &revtree.Node{ID: revID, Deleted: deleted},
	}}
	return nil
}

func parseRevisions(revisions map[string]any) (int, []string, error) {
	start, ok := asInt(revisions["start"])
	if !ok || start < 1 {
		return 0, nil, ErrInvalidRev
	}
	rawIDs, ok := revisions["ids"].([]any)
	if !ok || len(rawIDs) == 0 || len(rawIDs) > start {
		return 0, nil, ErrInvalidRev
	}
	ids := make([]string, len(rawIDs))
	for i, v := range rawIDs {
		s, ok := v.(string)
		if !ok || s == "" {
			return 0, nil, ErrInvalidRev
		}
		ids[i] = s
	}
	return start, ids, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// GenerateRevID derives the hash portion of a new revision
// deterministically from the edit itself, so the same edit replayed
// produces the same revision. Map keys marshal in sorted order, which
// keeps the digest stable across runs.
func GenerateRevID(id, parentRev string, deleted bool, data map[string]any) string {
	payload, err := json.Marshal([]any{id, parentRev, deleted, data})
	if err != nil {
		// Unmarshalable bodies cannot reach here: data came from JSON.
		payload = []byte(id + parentRev)
	}
	sum := md5.Sum(payload)
	return hex.EncodeToString(sum[:])
}

func randomID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("document: cannot read random bytes: " + err.Error())
	}
	return hex.EncodeToString(b[:])
}

// ---------------------------------------------------------------------------
// Base64 helpers for attachment payloads
// ---------------------------------------------------------------------------

// Atob decodes a base64 attachment payload.
func Atob(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, WithReason(ErrBadArg, "malformed base64")
	}
	return b, nil
}

// Btoa encodes attachment bytes as base64.
func Btoa(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// MD5Digest computes the content address of an attachment blob:
// "md5-" followed by the lowercase hex md5 of the bytes.
func MD5Digest(b []byte) string {
	sum := md5.Sum(b)
	return "md5-" + hex.EncodeToString(sum[:])
}
