// Package devcache caches the dashboard's computed devops cards. An
// entry stays fresh until its TTL passes or one of its input files
// changes; stale entries are still served (marked stale) so the UI can
// render immediately while a recompute runs. Explicit invalidation
// removes the entry outright: the next read is a miss, never a stale
// hit on known-bad data.
package devcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/deckhand-dev/deckhand/internal/log"
)

// Lookup outcomes.
const (
	StatusFresh = "fresh"
	StatusStale = "stale"
	StatusMiss  = "miss"
)

// Entry is one cached card.
type Entry struct {
	Card       string          `json:"card"`
	Payload    json.RawMessage `json:"payload"`
	ComputedAt time.Time       `json:"computed_at"`
	TTLSeconds int             `json:"ttl_seconds"`

	// Inputs are the files whose modification invalidates this entry.
	Inputs         []string  `json:"inputs,omitempty"`
	InputsMTimeMax time.Time `json:"inputs_mtime_max,omitempty"`

	// Generation is the cache-wide write counter at store time.
	Generation uint64 `json:"generation"`

	stale bool
}

// persistedState is the on-disk shape of the cache.
type persistedState struct {
	Generation uint64            `json:"generation"`
	Entries    map[string]*Entry `json:"entries"`
}

// Cache is a concurrency-safe card cache persisted to one JSON file.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	gen     uint64

	path    string
	logger  log.Logger
	clock   func() time.Time
	watcher *fsnotify.Watcher

	persistCh chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithLogger sets the cache's logger.
func WithLogger(l log.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// WithClock overrides the time source (tests).
func WithClock(f func() time.Time) CacheOption {
	return func(c *Cache) { c.clock = f }
}

// New opens (or creates) the cache persisted at path. A corrupt or
// missing file starts an empty cache; the cache is an accelerator, not
// a source of truth.
func New(path string, opts ...CacheOption) (*Cache, error) {
	c := &Cache{
		entries:   make(map[string]*Entry),
		path:      path,
		logger:    log.Default(),
		clock:     time.Now,
		persistCh: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.load()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("cache input watching disabled", "error", err)
	} else {
		c.watcher = watcher
		c.wg.Add(1)
		go c.watchLoop()
		c.mu.RLock()
		for _, e := range c.entries {
			c.watchInputs(e.Inputs)
		}
		c.mu.RUnlock()
	}

	c.wg.Add(1)
	go c.persistLoop()

	return c, nil
}

func (c *Cache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn("failed to read cache file, starting empty", "path", c.path, "error", err)
		}
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		c.logger.Warn("corrupt cache file, starting empty", "path", c.path, "error", err)
		return
	}
	c.gen = state.Generation
	for card, e := range state.Entries {
		if e != nil {
			e.Card = card
			c.entries[card] = e
		}
	}
}

// Get returns the cached payload for a card and its freshness. The
// payload is a copy; callers may hold it across further writes.
func (c *Cache) Get(card string) (json.RawMessage, string) {
	c.mu.RLock()
	e, ok := c.entries[card]
	if !ok {
		c.mu.RUnlock()
		return nil, StatusMiss
	}
	payload := append(json.RawMessage(nil), e.Payload...)
	status := StatusFresh
	if e.stale || c.expired(e) || c.inputsChanged(e) {
		status = StatusStale
	}
	c.mu.RUnlock()
	return payload, status
}

// Peek returns a copy of the entry's metadata without touching
// freshness.
func (c *Cache) Peek(card string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[card]
	if !ok {
		return Entry{}, false
	}
	out := *e
	out.Payload = append(json.RawMessage(nil), e.Payload...)
	out.Inputs = append([]string(nil), e.Inputs...)
	return out, true
}

func (c *Cache) expired(e *Entry) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return c.clock().After(e.ComputedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// inputsChanged re-stats the entry's inputs. A vanished input counts as
// changed.
func (c *Cache) inputsChanged(e *Entry) bool {
	for _, input := range e.Inputs {
		info, err := os.Stat(input)
		if err != nil {
			return true
		}
		if info.ModTime().After(e.InputsMTimeMax) {
			return true
		}
	}
	return false
}

// Put stores a card payload. The payload is copied; inputs are stat'd
// now and watched for changes.
func (c *Cache) Put(card string, payload json.RawMessage, ttl time.Duration, inputs []string) Entry {
	var mtimeMax time.Time
	for _, input := range inputs {
		if info, err := os.Stat(input); err == nil && info.ModTime().After(mtimeMax) {
			mtimeMax = info.ModTime()
		}
	}

	c.mu.Lock()
	c.gen++
	e := &Entry{
		Card:           card,
		Payload:        append(json.RawMessage(nil), payload...),
		ComputedAt:     c.clock().UTC(),
		TTLSeconds:     int(ttl / time.Second),
		Inputs:         append([]string(nil), inputs...),
		InputsMTimeMax: mtimeMax,
		Generation:     c.gen,
	}
	c.entries[card] = e
	out := *e
	c.mu.Unlock()

	c.watchInputs(inputs)
	c.requestPersist()
	return out
}

// Invalidate removes a card. The next Get is a miss.
func (c *Cache) Invalidate(card string) {
	c.mu.Lock()
	_, existed := c.entries[card]
	delete(c.entries, card)
	if existed {
		c.gen++
	}
	c.mu.Unlock()
	if existed {
		c.requestPersist()
	}
}

// Bust clears the whole cache.
func (c *Cache) Bust() {
	c.mu.Lock()
	c.entries = make(map[string]*Entry)
	c.gen++
	c.mu.Unlock()
	c.requestPersist()
}

// Generation returns the cache-wide write counter. It only moves
// forward; clients use it to order notifications.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// Len returns the number of cached cards.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the watcher and flushes a final persist.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.watcher != nil {
		c.watcher.Close()
	}
	c.wg.Wait()
	c.persist()
}

func (c *Cache) watchInputs(inputs []string) {
	if c.watcher == nil {
		return
	}
	for _, input := range inputs {
		if err := c.watcher.Add(input); err != nil {
			c.logger.Debug("cannot watch cache input", "path", input, "error", err)
		}
	}
}

// watchLoop marks every entry depending on a changed file as stale.
func (c *Cache) watchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
				continue
			}
			c.markStaleByInput(ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Debug("cache watcher error", "error", err)
		}
	}
}

func (c *Cache) markStaleByInput(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		for _, input := range e.Inputs {
			if input == path {
				e.stale = true
				break
			}
		}
	}
}

func (c *Cache) requestPersist() {
	select {
	case c.persistCh <- struct{}{}:
	default:
	}
}

func (c *Cache) persistLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.persistCh:
			if err := c.persist(); err != nil {
				c.logger.Warn("failed to persist cache", "path", c.path, "error", err)
			}
		}
	}
}

// persist writes the cache atomically: temp file in the same directory,
// then rename.
func (c *Cache) persist() error {
	c.mu.RLock()
	state := persistedState{
		Generation: c.gen,
		Entries:    make(map[string]*Entry, len(c.entries)),
	}
	for card, e := range c.entries {
		copied := *e
		state.Entries[card] = &copied
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".devops_cache-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
