// Package watcher provides a managed follower over a database's live
// change feed. It handles feed subscription, lifecycle management, and
// graceful shutdown; the processing itself is a callback supplied by the
// caller.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beyondbrewing/brewery-couch/adapter"
	"github.com/beyondbrewing/brewery-couch/pkg/logger"
)

// Sentinel errors for the watcher package.
var (
	ErrAlreadyRunning = errors.New("watcher: already running")
	ErrNotRunning     = errors.New("watcher: not running")
	ErrNoDatabase     = errors.New("watcher: no database configured")
)

// Config holds all settings for a Watcher instance.
type Config struct {
	// Database is the open handle to follow.
	Database *adapter.Database

	// Since resumes the feed after the given sequence. Zero replays the
	// whole history before going live.
	Since uint64

	// OnChange receives every change, first from the catch-up drain and
	// then live. Falls back to logging each change if nil.
	OnChange func(adapter.Change)

	// ShutdownTimeout defaults to 10s when unset or non-positive. Stop
	// cancels the subscription synchronously and does not read it.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Falls back to logger.Default() if nil.
	Logger logger.Logger
}

// Option is a functional option for configuring a Watcher.
type Option func(*Config)

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ShutdownTimeout: 10 * time.Second,
	}
}

func (c *Config) validate() error {
	if c.Database == nil {
		return ErrNoDatabase
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

// WithDatabase sets the database handle to follow.
func WithDatabase(d *adapter.Database) Option {
	return func(c *Config) { c.Database = d }
}

// WithSince resumes the feed after the given sequence.
func WithSince(seq uint64) Option {
	return func(c *Config) { c.Since = seq }
}

// WithOnChange sets the change callback.
func WithOnChange(fn func(adapter.Change)) Option {
	return func(c *Config) { c.OnChange = fn }
}

// WithShutdownTimeout sets Config.ShutdownTimeout; Stop does not wait on it.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

// WithLogger sets a structured logger for the watcher.
func WithLogger(l logger.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// Watcher manages the lifecycle of one continuous change subscription.
type Watcher struct {
	cfg    *Config
	logger logger.Logger

	mu      sync.Mutex
	feed    *adapter.ChangesFeed
	running bool

	// lastSeq is updated from inside change callbacks, which fire while
	// mu is held during Start's catch-up drain.
	lastSeq atomic.Uint64
}

// New creates a Watcher with the given options applied over DefaultConfig.
func New(opts ...Option) (*Watcher, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.With("component", "watcher", "db", cfg.Database.ID())

	return &Watcher{
		cfg:    cfg,
		logger: log,
	}, nil
}

// Run starts the watcher and blocks until ctx is cancelled. It performs
// a graceful shutdown before returning.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.Start(); err != nil {
		return err
	}

	w.logger.Info("watcher running", "since", w.cfg.Since)

	<-ctx.Done()

	w.logger.Info("context cancelled, shutting down")
	return w.Stop()
}

// Start subscribes the continuous feed without blocking.
// Use Run for a blocking start-to-shutdown lifecycle.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}

	onChange := w.cfg.OnChange
	if onChange == nil {
		onChange = func(c adapter.Change) {
			w.logger.Info("change",
				"id", c.ID,
				"seq", c.Seq,
				"deleted", c.Deleted,
			)
		}
	}

	feed, err := w.cfg.Database.Changes(adapter.ChangesOptions{
		Since:      w.cfg.Since,
		Continuous: true,
		OnChange: func(c adapter.Change) {
			w.observe(c)
			onChange(c)
		},
	})
	if err != nil {
		return fmt.Errorf("watcher: failed to subscribe: %w", err)
	}

	w.feed = feed
	w.observe(adapter.Change{Seq: feed.LastSeq})
	w.running = true
	w.logger.Info("watcher started", "caught_up_to", feed.LastSeq)
	return nil
}

// Stop cancels the subscription.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return ErrNotRunning
	}

	w.feed.Cancel()
	w.feed = nil
	w.running = false

	w.logger.Info("watcher stopped", "last_seq", w.lastSeq.Load())
	return nil
}

// LastSeq returns the highest sequence observed so far.
func (w *Watcher) LastSeq() uint64 {
	return w.lastSeq.Load()
}

func (w *Watcher) observe(c adapter.Change) {
	for {
		cur := w.lastSeq.Load()
		if c.Seq <= cur || w.lastSeq.CompareAndSwap(cur, c.Seq) {
			return
		}
	}
}
