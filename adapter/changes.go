package adapter

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/beyondbrewing/brewery-couch/document"
	"github.com/beyondbrewing/brewery-couch/revtree"
	"github.com/goccy/go-json"
)

// ChangeRev is one leaf revision entry in a change.
type ChangeRev struct {
	Rev string `json:"rev"`
}

// Change is the event payload describing one committed write. Doc carries
// a body with _rev set to the winning revision: in a drained feed it is
// the winning body; in a live event it is the body just written, which is
// a losing revision's body when that write did not change the winner.
type Change struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"seq"`
	Changes   []ChangeRev    `json:"changes"`
	Doc       map[string]any `json:"doc,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Conflicts []string       `json:"conflicts,omitempty"`
}

// FilterFunc decides whether a change is delivered.
type FilterFunc func(Change) bool

// ChangesOptions control a change feed.
type ChangesOptions struct {
	// Since excludes changes with seq <= Since.
	Since uint64

	// Limit caps how many sequence entries the one-shot scan visits.
	// Zero means unlimited.
	Limit int

	// Descending scans the sequence log newest-first.
	Descending bool

	// Continuous keeps the feed live after the initial drain; cancel it
	// through the returned feed handle.
	Continuous bool

	// Conflicts attaches losing leaf revisions to each change.
	Conflicts bool

	// Filter drops changes it returns false for.
	Filter FilterFunc

	// FilterName selects a "ddoc/filter" declarative filter from a
	// design document instead of Filter.
	FilterName string

	// OnChange is invoked for every delivered change, during the drain
	// and (for continuous feeds) for every later write.
	OnChange func(Change)
}

// ChangesFeed is the result handle of a Changes call. For one-shot feeds
// Results holds the drained changes; for continuous feeds Cancel stops
// delivery.
type ChangesFeed struct {
	Results []Change
	LastSeq uint64

	cancelOnce sync.Once
	cancelled  func()
}

// Cancel stops a continuous feed. Safe to call more than once, and a
// no-op for one-shot feeds.
func (f *ChangesFeed) Cancel() {
	f.cancelOnce.Do(func() {
		if f.cancelled != nil {
			f.cancelled()
		}
	})
}

// Changes drains the sequence log joined with document metadata and,
// when Continuous is set, keeps delivering live writes until cancelled.
//
// Only the sequence holding a document's winning revision is emitted:
// stale sequences of the same document are skipped, so one document
// appears at most once per drain.
func (d *Database) Changes(opts ChangesOptions) (*ChangesFeed, error) {
	if d.closed.Load() {
		return nil, document.ErrNotOpen
	}

	filter, err := d.resolveFilter(opts)
	if err != nil {
		return nil, err
	}

	results, err := d.drainChanges(opts, filter)
	if err != nil {
		return nil, err
	}

	feed := &ChangesFeed{Results: results}
	for _, c := range results {
		if c.Seq > feed.LastSeq {
			feed.LastSeq = c.Seq
		}
	}

	if !opts.Continuous {
		return feed, nil
	}

	var cancelled bool
	var mu sync.Mutex
	id := d.emitter.Subscribe(func(c Change) {
		mu.Lock()
		dead := cancelled
		mu.Unlock()
		if dead {
			return
		}
		if opts.Conflicts {
			c.Conflicts = d.conflictsFor(c.ID)
		}
		if filter != nil && !filter(c) {
			return
		}
		if opts.OnChange != nil {
			opts.OnChange(c)
		}
	})
	feed.cancelled = func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		d.emitter.Unsubscribe(id)
	}
	return feed, nil
}

// drainChanges performs the one-shot scan over the sequence store.
func (d *Database) drainChanges(opts ChangesOptions, filter FilterFunc) ([]Change, error) {
	it, err := d.seqStore.NewIterator()
	if err != nil {
		return nil, document.WrapKV(err)
	}
	defer it.Close()

	if opts.Descending {
		it.SeekToLast()
		// Sentinel keys sort after the 8-byte sequence keys; skip them.
		for it.Valid() {
			if _, ok := decodeSeq(it.Key()); ok {
				break
			}
			it.Prev()
		}
	} else {
		it.Seek(encodeSeq(opts.Since + 1))
	}

	advance := it.Next
	if opts.Descending {
		advance = it.Prev
	}

	results := []Change{}
	visited := 0
	for ; it.Valid(); advance() {
		if opts.Limit > 0 && visited >= opts.Limit {
			break
		}
		seq, ok := decodeSeq(it.Key())
		if !ok {
			if opts.Descending {
				continue
			}
			break
		}
		if seq <= opts.Since {
			break
		}
		visited++

		change, emit, err := d.changeAt(seq, it.Value(), opts.Conflicts)
		if err != nil {
			return nil, err
		}
		if !emit {
			continue
		}
		if filter != nil && !filter(change) {
			continue
		}
		results = append(results, change)
		if opts.OnChange != nil {
			opts.OnChange(change)
		}
	}
	if err := it.Err(); err != nil {
		return nil, document.WrapKV(err)
	}
	return results, nil
}

// changeAt builds the change for one sequence entry. emit is false for
// local documents and for sequences that no longer hold their document's
// winning revision.
func (d *Database) changeAt(seq uint64, raw []byte, conflicts bool) (Change, bool, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Change{}, false, document.WrapKV(err)
	}
	id, _ := body["_id"].(string)
	if id == "" || document.IsLocalID(id) {
		return Change{}, false, nil
	}

	meta, err := d.getMeta(id)
	if err != nil {
		if errors.Is(err, document.ErrMissingDoc) {
			// Sequence landed before its metadata: tolerated skew, the
			// winning sequence will carry the change.
			return Change{}, false, nil
		}
		return Change{}, false, err
	}

	winning := meta.WinningRev()
	if meta.RevMap[winning] != seq {
		return Change{}, false, nil
	}

	body["_rev"] = winning

	leaves := revtree.Leaves(meta.RevTree)
	changes := make([]ChangeRev, len(leaves))
	for i, l := range leaves {
		changes[i] = ChangeRev{Rev: l.Rev()}
	}

	change := Change{
		ID:      id,
		Seq:     seq,
		Changes: changes,
		Doc:     body,
		Deleted: meta.IsDeleted(),
	}
	if conflicts {
		if c := revtree.Conflicts(meta.RevTree); len(c) > 0 {
			change.Conflicts = c
		}
	}
	return change, true, nil
}

func (d *Database) conflictsFor(id string) []string {
	meta, err := d.getMeta(id)
	if err != nil {
		return nil
	}
	return revtree.Conflicts(meta.RevTree)
}

// ---------------------------------------------------------------------------
// Design-document filters
// ---------------------------------------------------------------------------

// resolveFilter compiles the effective filter for a feed. Design-document
// filters are declarative field matchers, never executable code: a filter
// entry is an object {"field": <dotted path>, "equals": <value>} (or
// {"exists": true}), and anything else — including a string of source
// code — is rejected. In-process Go filters arrive via Filter directly.
func (d *Database) resolveFilter(opts ChangesOptions) (FilterFunc, error) {
	if opts.FilterName == "" {
		return opts.Filter, nil
	}

	ddocName, filterName, ok := strings.Cut(opts.FilterName, "/")
	if !ok {
		return nil, document.WithReason(document.ErrBadArg,
			fmt.Sprintf("filter %q is not of the form ddoc/filter", opts.FilterName))
	}

	ddoc, err := d.Get("_design/"+ddocName, GetOptions{})
	if err != nil {
		return nil, err
	}
	filters, _ := ddoc["filters"].(map[string]any)
	spec, present := filters[filterName]
	if !present {
		return nil, document.WithReason(document.ErrMissingDoc,
			fmt.Sprintf("missing filter %s in design doc _design/%s", filterName, ddocName))
	}
	return compileFilter(spec)
}

// compileFilter turns a declarative filter spec into a predicate.
func compileFilter(spec any) (FilterFunc, error) {
	m, ok := spec.(map[string]any)
	if !ok {
		// A string here would be filter source code; executing it is
		// exactly what this adapter refuses to do.
		return nil, document.WithReason(document.ErrBadArg,
			"design document filters must be declarative match objects")
	}

	field, _ := m["field"].(string)
	if field == "" {
		return nil, document.WithReason(document.ErrBadArg,
			"declarative filter requires a field")
	}
	path := strings.Split(field, ".")

	if wantExists, ok := m["exists"].(bool); ok {
		return func(c Change) bool {
			_, present := lookupField(c.Doc, path)
			return present == wantExists
		}, nil
	}

	want, hasEquals := m["equals"]
	if !hasEquals {
		return nil, document.WithReason(document.ErrBadArg,
			"declarative filter requires equals or exists")
	}
	return func(c Change) bool {
		got, present := lookupField(c.Doc, path)
		return present && equalJSON(got, want)
	}, nil
}

func lookupField(doc map[string]any, path []string) (any, bool) {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// equalJSON compares two decoded JSON values structurally.
func equalJSON(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// ---------------------------------------------------------------------------
// Emitter
// ---------------------------------------------------------------------------

// Emitter is the per-database-name pub/sub hub for change events.
// Subscribers are invoked synchronously in subscription order and must
// not block.
type Emitter struct {
	mu   sync.Mutex
	next int
	subs []subscriber
}

type subscriber struct {
	id int
	fn func(Change)
}

func newEmitter() *Emitter {
	return &Emitter{}
}

// Subscribe registers fn and returns a token for Unsubscribe.
func (e *Emitter) Subscribe(fn func(Change)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.subs = append(e.subs, subscriber{id: e.next, fn: fn})
	return e.next
}

// Unsubscribe removes a subscriber.
func (e *Emitter) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers a change to every subscriber, preserving emission order.
func (e *Emitter) Emit(c Change) {
	e.mu.Lock()
	subs := make([]subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, s := range subs {
		s.fn(c)
	}
}
