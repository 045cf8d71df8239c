package appmcp

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/MegaGrindStone/go-mcp"
)

// SubscriptionConfig controls change-detection behavior. The zero value is
// usable; unset fields fall back to the defaults below.
type SubscriptionConfig struct {
	// PollInterval is the base interval between polls of a dynamic
	// subscription. Default 15s.
	PollInterval time.Duration
	// MinPollInterval floors the interval after backoff. Default 5s.
	MinPollInterval time.Duration
	// MaxPollInterval ceilings the interval after backoff, and is the
	// starting interval for file subscriptions downgraded to polling.
	// Default 60s.
	MaxPollInterval time.Duration
	// BackoffFactor multiplies the current interval on each consecutive
	// poll failure. Default 1.5.
	BackoffFactor float64
	// DebounceWindow is the per-URI trailing debounce applied to the
	// outgoing notification stream. Default 500ms.
	DebounceWindow time.Duration
	// MaxFileObservers caps the number of simultaneous filesystem watches.
	// Further file subscriptions poll at MaxPollInterval instead. Default 50.
	MaxFileObservers int
	// EventBuffer sizes the internal notification channel. When the buffer
	// is full, events are dropped rather than blocking producers. Default 64.
	EventBuffer int
}

const (
	defaultPollInterval     = 15 * time.Second
	defaultMinPollInterval  = 5 * time.Second
	defaultMaxPollInterval  = 60 * time.Second
	defaultBackoffFactor    = 1.5
	defaultDebounceWindow   = 500 * time.Millisecond
	defaultMaxFileObservers = 50
	defaultEventBuffer      = 64
)

func (c SubscriptionConfig) withDefaults() SubscriptionConfig {
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MinPollInterval == 0 {
		c.MinPollInterval = defaultMinPollInterval
	}
	if c.MaxPollInterval == 0 {
		c.MaxPollInterval = defaultMaxPollInterval
	}
	if c.BackoffFactor == 0 {
		c.BackoffFactor = defaultBackoffFactor
	}
	if c.DebounceWindow == 0 {
		c.DebounceWindow = defaultDebounceWindow
	}
	if c.MaxFileObservers == 0 {
		c.MaxFileObservers = defaultMaxFileObservers
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = defaultEventBuffer
	}
	return c
}

type subscriptionKind int

const (
	subscriptionFile subscriptionKind = iota
	subscriptionDynamic
)

func (k subscriptionKind) String() string {
	if k == subscriptionFile {
		return "file"
	}
	return "dynamic"
}

// subscription is the per-URI state. A dynamic subscription's mutable fields
// (interval, errCount, fingerprint) are written only by its own poll
// goroutine; file bookkeeping (detached) is guarded by the manager's watch
// mutex.
type subscription struct {
	id   string
	uri  string
	kind subscriptionKind

	// file kind
	path     string
	dir      string
	detached bool

	// dynamic kind
	fallback    bool
	interval    time.Duration
	errCount    int
	fingerprint string
	cancel      context.CancelFunc
	stopped     chan struct{}
}

// SubscriptionManager tracks live resource subscriptions and detects
// changes. file:// URIs get a filesystem watch (the parent directory is
// watched so files that do not exist yet still notify on creation); all
// other URIs, and file URIs that cannot be watched, are polled with content
// fingerprinting and exponential backoff on read failures.
//
// Change events feed a bounded channel; the stream exposed through
// SubscribedResourceUpdates applies a per-URI trailing debounce so bursts
// collapse into a single emission. Delivery is best-effort: a full buffer
// drops events instead of back-pressuring producers.
//
// Lifecycle transitions (subscribe, unsubscribe, stop, restart) are
// serialized by mu, so a subscription is created or torn down exactly once
// no matter how callers race. Poll goroutines and the watch dispatcher never
// take mu; they touch only their own entry's state and the event channel.
type SubscriptionManager struct {
	cfg    SubscriptionConfig
	logger *slog.Logger
	source ContentSource

	mu   sync.Mutex
	subs sync.Map // map[string]*subscription

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchedDirs map[string]int    // directory -> watch refcount
	fileTargets map[string]string // watched file path -> uri
	observers   int

	events  chan string
	updates chan string

	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer

	done            chan struct{}
	debounceStopped chan struct{}
	closeOnce       sync.Once
}

// NewSubscriptionManager creates a manager reading resource content through
// source. The debounce stage starts immediately; Close releases everything.
func NewSubscriptionManager(source ContentSource, cfg SubscriptionConfig, logger *slog.Logger) *SubscriptionManager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	sm := &SubscriptionManager{
		cfg:             cfg,
		logger:          logger.With("component", "subscriptionmanager"),
		source:          source,
		watchedDirs:     make(map[string]int),
		fileTargets:     make(map[string]string),
		events:          make(chan string, cfg.EventBuffer),
		updates:         make(chan string, cfg.EventBuffer),
		debounceTimers:  make(map[string]*time.Timer),
		done:            make(chan struct{}),
		debounceStopped: make(chan struct{}),
	}

	go sm.debounceLoop()

	return sm
}

// Subscribe starts change detection for uri. Subscribing to an already
// active URI is a no-op. Failures never surface to the caller: a file URI
// that cannot be resolved or watched is downgraded to polling at the slowest
// interval for the lifetime of the subscription.
func (sm *SubscriptionManager) Subscribe(uri string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subscribeLocked(uri)
}

func (sm *SubscriptionManager) subscribeLocked(uri string) {
	if _, ok := sm.subs.Load(uri); ok {
		sm.logger.Debug("already subscribed", "uri", uri)
		return
	}

	if strings.HasPrefix(uri, fileURIPrefix) {
		sm.subscribeFile(uri)
		return
	}
	sm.startPolling(uri, sm.cfg.PollInterval, false)
}

// Unsubscribe stops change detection for uri and removes the subscription.
// Unknown URIs are ignored.
func (sm *SubscriptionManager) Unsubscribe(uri string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	value, ok := sm.subs.LoadAndDelete(uri)
	if !ok {
		sm.logger.Debug("unsubscribe for unknown uri", "uri", uri)
		return
	}
	sub := value.(*subscription)
	sm.stopSubscription(sub)
	sm.logger.Info("unsubscribed", "uri", uri, "kind", sub.kind.String(), "subscription", sub.id)
}

// StopAllObservers stops every watch and polling task without removing the
// subscription entries. Paused subscriptions stay inert until
// RestartActiveObservers rebuilds them.
func (sm *SubscriptionManager) StopAllObservers() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.stopAllLocked()
}

func (sm *SubscriptionManager) stopAllLocked() {
	sm.subs.Range(func(_, value any) bool {
		sm.stopSubscription(value.(*subscription))
		return true
	})
}

// RestartActiveObservers tears down every subscription and re-subscribes to
// each previously active URI from scratch, re-deriving the watch-vs-poll
// decision per URI. The whole sequence holds the lifecycle lock, so
// concurrent Subscribe/Unsubscribe calls observe either the old set or the
// rebuilt one, never a half-rebuilt state.
func (sm *SubscriptionManager) RestartActiveObservers() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var uris []string
	sm.subs.Range(func(key, _ any) bool {
		uris = append(uris, key.(string))
		return true
	})

	sm.stopAllLocked()
	for _, uri := range uris {
		sm.subs.Delete(uri)
	}

	sm.logger.Info("restarting subscriptions", "count", len(uris))
	for _, uri := range uris {
		sm.subscribeLocked(uri)
	}
}

// ActiveURIs returns the URIs with a live subscription entry.
func (sm *SubscriptionManager) ActiveURIs() []string {
	var uris []string
	sm.subs.Range(func(key, _ any) bool {
		uris = append(uris, key.(string))
		return true
	})
	return uris
}

// SubscribedResourceUpdates implements mcp.ResourceSubscriptionHandler's
// update stream: it yields each changed URI after its debounce window
// settles.
func (sm *SubscriptionManager) SubscribedResourceUpdates() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			select {
			case <-sm.done:
				return
			case uri := <-sm.updates:
				if !yield(uri) {
					return
				}
			}
		}
	}
}

// Close stops all subscriptions, the filesystem watcher, and the debounce
// stage. The manager must not be used afterwards.
func (sm *SubscriptionManager) Close() {
	sm.closeOnce.Do(func() {
		close(sm.done)

		sm.mu.Lock()
		sm.stopAllLocked()
		sm.subs.Range(func(key, _ any) bool {
			sm.subs.Delete(key)
			return true
		})
		sm.mu.Unlock()

		sm.watchMu.Lock()
		if sm.watcher != nil {
			_ = sm.watcher.Close()
		}
		sm.watchMu.Unlock()

		<-sm.debounceStopped
	})
}

func (sm *SubscriptionManager) subscribeFile(uri string) {
	sm.watchMu.Lock()
	if sm.observers >= sm.cfg.MaxFileObservers {
		sm.watchMu.Unlock()
		sm.logger.Warn("file observer capacity exhausted, falling back to polling",
			"uri", uri, "cap", sm.cfg.MaxFileObservers)
		sm.startPolling(uri, sm.cfg.MaxPollInterval, true)
		return
	}

	path, err := sm.source.ResolveFilePath(uri)
	if err != nil {
		sm.watchMu.Unlock()
		sm.logger.Warn("file uri resolution failed, falling back to polling", "uri", uri, "err", err)
		sm.startPolling(uri, sm.cfg.MaxPollInterval, true)
		return
	}

	if err := sm.watchPathLocked(path, uri); err != nil {
		sm.watchMu.Unlock()
		sm.logger.Warn("file watch failed, falling back to polling", "uri", uri, "err", err)
		sm.startPolling(uri, sm.cfg.MaxPollInterval, true)
		return
	}

	sub := &subscription{
		id:   uuid.NewString(),
		uri:  uri,
		kind: subscriptionFile,
		path: path,
		dir:  filepath.Dir(path),
	}
	sm.observers++
	sm.watchMu.Unlock()

	sm.subs.Store(uri, sub)
	sm.logger.Info("subscribed", "uri", uri, "kind", "file", "path", path, "subscription", sub.id)
}

// watchPathLocked attaches a watch for path. The parent directory is watched
// instead of the file itself so that atomic saves (write temp file, rename
// over target) and not-yet-existing files both produce events.
func (sm *SubscriptionManager) watchPathLocked(path, uri string) error {
	if sm.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		sm.watcher = w
		go sm.dispatchFileEvents(w)
	}

	dir := filepath.Dir(path)
	if sm.watchedDirs[dir] == 0 {
		if err := sm.watcher.Add(dir); err != nil {
			return err
		}
	}
	sm.watchedDirs[dir]++
	sm.fileTargets[path] = uri
	return nil
}

func (sm *SubscriptionManager) dispatchFileEvents(w *fsnotify.Watcher) {
	for {
		select {
		case <-sm.done:
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			sm.watchMu.Lock()
			uri, ok := sm.fileTargets[abs]
			sm.watchMu.Unlock()
			if ok {
				sm.pushEvent(uri)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			sm.logger.Warn("file watcher error", "err", err)
		}
	}
}

func (sm *SubscriptionManager) startPolling(uri string, interval time.Duration, fallback bool) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		id:       uuid.NewString(),
		uri:      uri,
		kind:     subscriptionDynamic,
		fallback: fallback,
		interval: interval,
		cancel:   cancel,
		stopped:  make(chan struct{}),
	}
	sm.subs.Store(uri, sub)
	go sm.pollLoop(ctx, sub)

	sm.logger.Info("subscribed", "uri", uri, "kind", "dynamic",
		"interval", interval, "fallback", fallback, "subscription", sub.id)
}

// pollLoop is the single owner of sub's mutable state. It loops
// sleep -> read -> compare -> react until its context is cancelled.
func (sm *SubscriptionManager) pollLoop(ctx context.Context, sub *subscription) {
	defer close(sub.stopped)

	// Prime the fingerprint so an unchanged resource does not notify on the
	// first tick. A failed initial read leaves it empty and the first
	// successful poll reports a change.
	if contents, err := sm.source.ReadContents(ctx, sub.uri); err == nil {
		sub.fingerprint = contentFingerprint(contents)
	}

	for {
		timer := time.NewTimer(sub.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		contents, err := sm.source.ReadContents(ctx, sub.uri)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.errCount++
			sub.interval = sm.backoffInterval(sub.interval)
			sm.logger.Debug("poll failed",
				"uri", sub.uri, "errors", sub.errCount, "interval", sub.interval, "err", err)
			continue
		}

		fp := contentFingerprint(contents)
		if fp != sub.fingerprint {
			sub.fingerprint = fp
			sub.interval = sm.cfg.PollInterval
			sub.errCount = 0
			sm.pushEvent(sub.uri)
			continue
		}

		if sub.errCount > 0 {
			sub.interval = sm.cfg.PollInterval
			sub.errCount = 0
		}
	}
}

// backoffInterval applies one backoff step to the current interval, clamped
// to [MinPollInterval, MaxPollInterval].
func (sm *SubscriptionManager) backoffInterval(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * sm.cfg.BackoffFactor)
	if next < sm.cfg.MinPollInterval {
		next = sm.cfg.MinPollInterval
	}
	if next > sm.cfg.MaxPollInterval {
		next = sm.cfg.MaxPollInterval
	}
	return next
}

func (sm *SubscriptionManager) stopSubscription(sub *subscription) {
	switch sub.kind {
	case subscriptionDynamic:
		sub.cancel()
		<-sub.stopped
	case subscriptionFile:
		sm.watchMu.Lock()
		sm.unwatchLocked(sub)
		sm.watchMu.Unlock()
	}
}

func (sm *SubscriptionManager) unwatchLocked(sub *subscription) {
	if sub.detached {
		return
	}
	sub.detached = true

	delete(sm.fileTargets, sub.path)
	sm.watchedDirs[sub.dir]--
	if sm.watchedDirs[sub.dir] <= 0 {
		delete(sm.watchedDirs, sub.dir)
		if sm.watcher != nil {
			_ = sm.watcher.Remove(sub.dir)
		}
	}
	sm.observers--
}

// pushEvent feeds the raw notification channel without blocking; a full
// buffer drops the event. Freshness is best-effort, never a correctness
// guarantee.
func (sm *SubscriptionManager) pushEvent(uri string) {
	select {
	case sm.events <- uri:
	default:
		sm.logger.Warn("notification dropped, buffer full", "uri", uri)
	}
}

// debounceLoop collapses bursts per URI: each event arms (or re-arms) that
// URI's timer, and only the trailing edge emits into the update stream.
// Fired timers remove themselves from the map, so the map tracks only the
// URIs currently settling, not every URI ever seen.
func (sm *SubscriptionManager) debounceLoop() {
	defer close(sm.debounceStopped)
	defer func() {
		sm.debounceMu.Lock()
		for _, t := range sm.debounceTimers {
			t.Stop()
		}
		sm.debounceMu.Unlock()
	}()

	for {
		select {
		case <-sm.done:
			return
		case uri := <-sm.events:
			sm.armDebounce(uri)
		}
	}
}

func (sm *SubscriptionManager) armDebounce(uri string) {
	sm.debounceMu.Lock()
	defer sm.debounceMu.Unlock()

	if t, ok := sm.debounceTimers[uri]; ok {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(sm.cfg.DebounceWindow, func() {
		sm.debounceMu.Lock()
		// Only remove our own entry; a concurrent re-arm may have replaced it.
		if sm.debounceTimers[uri] == timer {
			delete(sm.debounceTimers, uri)
		}
		sm.debounceMu.Unlock()

		select {
		case sm.updates <- uri:
		default:
			sm.logger.Warn("update dropped, buffer full", "uri", uri)
		}
	})
	sm.debounceTimers[uri] = timer
}

func contentFingerprint(contents []mcp.ResourceContents) string {
	h := blake3.New()
	for _, c := range contents {
		for _, field := range []string{c.URI, c.MimeType, c.Text, c.Blob} {
			_, _ = h.Write([]byte(field))
			_, _ = h.Write([]byte{0})
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
