// Package adapter implements the local persistent storage adapter of a
// document-oriented, replicable database: JSON documents with
// multi-version revision histories, deduplicated binary attachments, an
// append-only sequence log, and a live change feed, layered over four
// ordered key-value namespaces.
//
// Each database is a directory holding four stores:
//
//	<name>/document-store/       docId -> metadata (revision tree, rev->seq map)
//	<name>/by-sequence/          seq   -> document body (attachment stubs only)
//	<name>/attach-store/         digest -> {refs} reference tracking
//	<name>/attach-binary-store/  digest -> raw attachment bytes
//
// A process-wide registry guarantees at most one open handle per database
// directory; reopening returns the cached handle verbatim.
package adapter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/beyondbrewing/brewery-couch/db"
	"github.com/beyondbrewing/brewery-couch/document"
	"github.com/beyondbrewing/brewery-couch/pkg/logger"
	"github.com/goccy/go-json"
)

// AdapterNames are the names the outer facade registers this adapter
// under. Both resolve to the same implementation.
var AdapterNames = []string{"ldb", "leveldb"}

// Store directory names under a database root.
const (
	docStoreDir  = "document-store"
	seqStoreDir  = "by-sequence"
	attachDir    = "attach-store"
	attachBinDir = "attach-binary-store"
)

// StoreFactory opens one namespace store rooted at path. The default
// factory opens a Pebble store; tests substitute db.NewMockStore.
type StoreFactory func(path string) (db.Store, error)

// Config holds the adapter's open-time settings.
type Config struct {
	// CreateIfMissing controls whether Open creates the database
	// directory when absent. Defaults to true.
	CreateIfMissing bool

	// StoreOptions are passed through to db.Open for each namespace.
	StoreOptions []db.Option

	// StoreFactory overrides how namespace stores are opened.
	StoreFactory StoreFactory

	// Logger receives structured operational log messages.
	// If not set, the global logger.Default() is used.
	Logger logger.Logger
}

// Option is a functional option applied to [Config] during [Open].
type Option func(*Config)

// WithCreateIfMissing controls database directory creation on open.
func WithCreateIfMissing(create bool) Option {
	return func(c *Config) { c.CreateIfMissing = create }
}

// WithStoreOptions passes engine options through to every namespace store.
func WithStoreOptions(opts ...db.Option) Option {
	return func(c *Config) { c.StoreOptions = opts }
}

// WithStoreFactory overrides how namespace stores are opened.
// Tests use this to run the adapter over in-memory stores.
func WithStoreFactory(f StoreFactory) Option {
	return func(c *Config) { c.StoreFactory = f }
}

// WithLogger sets a structured logger for the database handle.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Database is one open handle over the four namespace stores of a
// database directory. All methods are safe for concurrent use; writes are
// serialized internally per handle.
type Database struct {
	name string
	path string

	docStore   db.Store
	seqStore   db.Store
	attachMeta db.Store
	attachBlob db.Store

	// docCount counts documents that ever went through the insert path;
	// deletions do not decrement it and a resurrected document does not
	// increment it again.
	docCount  atomic.Uint64
	updateSeq atomic.Uint64

	// writeMu serializes bulk writes: the counters above are
	// read-modify-write sequences that admit one logical writer per
	// handle.
	writeMu sync.Mutex

	emitter *Emitter
	logger  logger.Logger
	closed  atomic.Bool
}

// ---------------------------------------------------------------------------
// Process-wide registries
// ---------------------------------------------------------------------------

// openStores maps absolute database paths to their open handle. Mutated
// only by Open and by Close/Destroy.
var openStores = struct {
	sync.Mutex
	m map[string]*Database
}{m: make(map[string]*Database)}

// emitters maps database names to their change emitter. Entries live for
// the process lifetime: subscribers may outlive any one handle.
var emitters = struct {
	sync.Mutex
	m map[string]*Emitter
}{m: make(map[string]*Emitter)}

func emitterFor(name string) *Emitter {
	emitters.Lock()
	defer emitters.Unlock()
	e, ok := emitters.m[name]
	if !ok {
		e = newEmitter()
		emitters.m[name] = e
	}
	return e
}

// ---------------------------------------------------------------------------
// Store Opener
// ---------------------------------------------------------------------------

// Open opens (or creates) the database rooted at name and returns its
// handle. name doubles as the directory path. If a handle for the same
// directory is already open in this process, it is returned verbatim.
func Open(name string, opts ...Option) (*Database, error) {
	cfg := &Config{CreateIfMissing: true}
	for _, o := range opts {
		o(cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "adapter", "db", name)

	path, err := filepath.Abs(name)
	if err != nil {
		return nil, fmt.Errorf("adapter: cannot resolve path %q: %w", name, err)
	}

	openStores.Lock()
	defer openStores.Unlock()

	if existing, ok := openStores.m[path]; ok {
		return existing, nil
	}

	if cfg.CreateIfMissing {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("adapter: cannot create %s: %w", path, err)
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("adapter: database %s does not exist: %w", path, err)
	}

	factory := cfg.StoreFactory
	if factory == nil {
		storeOpts := append([]db.Option{db.WithLogger(log)}, cfg.StoreOptions...)
		factory = func(p string) (db.Store, error) {
			return db.Open(p, storeOpts...)
		}
	}

	var opened []db.Store
	openOne := func(dir string) (db.Store, error) {
		s, err := factory(filepath.Join(path, dir))
		if err != nil {
			// A partial open must not leak: unwind what succeeded.
			for _, o := range opened {
				_ = o.Close()
			}
			return nil, fmt.Errorf("adapter: opening %s: %w", dir, err)
		}
		opened = append(opened, s)
		return s, nil
	}

	d := &Database{
		name:    name,
		path:    path,
		emitter: emitterFor(name),
		logger:  log,
	}

	if d.docStore, err = openOne(docStoreDir); err != nil {
		return nil, err
	}
	if d.seqStore, err = openOne(seqStoreDir); err != nil {
		return nil, err
	}
	if d.attachMeta, err = openOne(attachDir); err != nil {
		return nil, err
	}
	if d.attachBlob, err = openOne(attachBinDir); err != nil {
		return nil, err
	}

	if err := d.loadCounters(); err != nil {
		for _, o := range opened {
			_ = o.Close()
		}
		return nil, err
	}

	openStores.m[path] = d

	log.Info("database opened",
		"path", path,
		"doc_count", d.docCount.Load(),
		"update_seq", d.updateSeq.Load(),
	)
	return d, nil
}

// loadCounters bootstraps doc_count and update_seq from the sequence
// store's sentinel keys, defaulting both to zero on first open.
func (d *Database) loadCounters() error {
	count, err := d.readCounter(keyDocCount)
	if err != nil {
		return err
	}
	seq, err := d.readCounter(keyUpdateSeq)
	if err != nil {
		return err
	}
	d.docCount.Store(count)
	d.updateSeq.Store(seq)
	return nil
}

func (d *Database) readCounter(key string) (uint64, error) {
	raw, err := d.seqStore.Get([]byte(key))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("adapter: reading %s: %w", key, err)
	}
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("adapter: corrupt counter %s: %w", key, err)
	}
	return v, nil
}

func (d *Database) writeCounter(key string, v uint64) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return d.seqStore.Put([]byte(key), raw)
}

// ---------------------------------------------------------------------------
// Identity and info
// ---------------------------------------------------------------------------

// Type returns the adapter type name exposed to the outer facade.
func (d *Database) Type() string { return "leveldb" }

// ID returns the database name.
func (d *Database) ID() string { return d.name }

// Info describes the current state of an open database.
type Info struct {
	DBName    string `json:"db_name"`
	DocCount  uint64 `json:"doc_count"`
	UpdateSeq uint64 `json:"update_seq"`
}

// Info reports the database name and its counters.
func (d *Database) Info() (Info, error) {
	if d.closed.Load() {
		return Info{}, document.ErrNotOpen
	}
	return Info{
		DBName:    d.name,
		DocCount:  d.docCount.Load(),
		UpdateSeq: d.updateSeq.Load(),
	}, nil
}

// getMeta loads a document's metadata record, translating a missing key
// into the structured not-found error.
func (d *Database) getMeta(id string) (*document.Metadata, error) {
	raw, err := d.docStore.Get([]byte(id))
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, document.ErrMissingDoc
		}
		return nil, document.WrapKV(err)
	}
	var meta document.Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, document.WrapKV(err)
	}
	return &meta, nil
}

func (d *Database) putMeta(meta *document.Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return document.WrapKV(err)
	}
	if err := d.docStore.Put([]byte(meta.ID), raw); err != nil {
		return document.WrapKV(err)
	}
	return nil
}
