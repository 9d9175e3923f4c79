// Package syncer keeps a signed-in user's dashboard stores consistent
// with their remote record: local edits are debounced and pushed, remote
// changes arrive over the realtime feed and a periodic pull, and a
// fingerprint ledger stops echoes and redundant uploads.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/remote"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultDebounce is the quiet period after a local edit before it is
	// pushed.
	DefaultDebounce = 180 * time.Millisecond

	// DefaultPollInterval is how often the remote record is pulled to
	// catch changes the realtime feed missed.
	DefaultPollInterval = 60 * time.Second

	// DefaultFlushTimeout bounds the final push at shutdown.
	DefaultFlushTimeout = 3 * time.Second
)

// Status is the observable sync state.
type Status struct {
	Syncing      bool
	LastSyncedAt time.Time
	SyncError    error
}

// Config holds the parameters for one Session.
type Config struct {
	UserID   string
	DeviceID string
	Gateway  remote.Gateway
	Stores   *store.Stores
	Logger   *slog.Logger

	// Optional.
	Clock        Clock
	Debounce     time.Duration
	PollInterval time.Duration
	FlushTimeout time.Duration
	OnStatus     func(Status)
}

// Session synchronizes one signed-in user. It is created when an
// identity is acquired and stopped when that identity goes away; it is
// never restarted.
type Session struct {
	userID   string
	deviceID string
	gw       remote.Gateway
	stores   *store.Stores
	clock    Clock
	logger   *slog.Logger
	onStatus func(Status)

	flushTimeout time.Duration

	// cycle is a one-slot semaphore serializing every path that reads or
	// writes the ledger against the remote: sync cycles, polls and
	// realtime applies.
	cycle *semaphore.Weighted

	mu              sync.Mutex
	lastPushedHash  string
	lastAppliedHash string
	status          Status
	stopped         bool
	unsubStores     func()
	sub             remote.Subscription

	// settledHash is the fingerprint local state has when the last apply
	// is all that changed it. Cleared by a successful push.
	settledHash string

	// pushWanted records a push skipped because the cycle slot was busy.
	// The slot holder re-arms the debouncer when it releases.
	pushWanted bool

	debounce *debouncer
	poll     *poller

	runCtx context.Context
	cancel context.CancelFunc
}

// NewSession creates a session. Nothing happens until Start.
func NewSession(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}

	runCtx, cancel := context.WithCancel(context.Background())

	s := &Session{
		userID:       cfg.UserID,
		deviceID:     cfg.DeviceID,
		gw:           cfg.Gateway,
		stores:       cfg.Stores,
		clock:        cfg.Clock,
		logger:       cfg.Logger.With(slog.String("component", "syncer"), slog.String("user_id", cfg.UserID)),
		onStatus:     cfg.OnStatus,
		flushTimeout: cfg.FlushTimeout,
		cycle:        semaphore.NewWeighted(1),
		runCtx:       runCtx,
		cancel:       cancel,
	}

	s.debounce = newDebouncer(s.clock, cfg.Debounce, s.debouncedPush)
	s.poll = newPoller(s.clock, cfg.PollInterval, s.periodicPull)

	return s
}

// UserID returns the user this session syncs.
func (s *Session) UserID() string { return s.userID }

// Start wires the session up: store subscriptions, the realtime feed,
// an initial pull-then-push, and the periodic pull. The returned error
// reports a failed initial sync; the session keeps running regardless
// and will recover on the next cycle.
func (s *Session) Start(ctx context.Context) error {
	unsubStores := s.stores.SubscribeAll(s.onLocalChange)

	sub, err := s.gw.Subscribe(s.runCtx, s.userID, s.onRemoteChange)
	if err != nil {
		s.logger.Warn("realtime subscription failed, relying on periodic pull",
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	s.unsubStores = unsubStores
	s.sub = sub
	s.mu.Unlock()

	syncErr := s.TriggerSync(ctx, true)

	s.poll.Start()

	s.logger.Info("sync session started")

	return syncErr
}

// Stop tears the session down: both timers, the store subscriptions and
// the realtime subscription. It is idempotent and must not be called
// from a store notification or a change callback.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}

	s.stopped = true
	unsubStores := s.unsubStores
	sub := s.sub
	s.mu.Unlock()

	s.debounce.Stop()
	s.poll.Stop()
	s.cancel()

	if unsubStores != nil {
		unsubStores()
	}

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("unsubscribing realtime feed", slog.String("error", err.Error()))
		}
	}

	s.logger.Info("sync session stopped")
}

// Flush makes a best-effort push of unsynced local state, bounded by the
// flush timeout. It waits for an in-flight cycle rather than skipping.
// Failures are logged and not retried.
func (s *Session) Flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()

	err := s.acquire(ctx)
	if err == nil {
		err = s.runCycle(ctx, false)
		s.release()
	}

	if err != nil {
		s.logger.Warn("final sync failed", slog.String("error", err.Error()))
	}
}

// TriggerSync runs a sync cycle. A non-forced cycle pushes local state
// if it changed since the last push. When another cycle is in flight it
// returns at once and the push is rescheduled for after that cycle. A
// forced cycle waits its turn or until ctx is done, pulls and merges the
// remote record, then pushes unconditionally; if the pull fails the push
// is skipped so an unreachable or unreadable remote is never overwritten
// blind.
func (s *Session) TriggerSync(ctx context.Context, force bool) error {
	if force {
		if err := s.acquire(ctx); err != nil {
			return fmt.Errorf("waiting for sync cycle: %w", err)
		}
	} else if !s.tryAcquire() {
		return nil
	}
	defer s.release()

	return s.runCycle(ctx, force)
}

// runCycle does the work of TriggerSync. Callers hold the cycle slot.
func (s *Session) runCycle(ctx context.Context, force bool) error {
	if s.isStopped() {
		return nil
	}

	s.setSyncing(true)
	defer s.setSyncing(false)

	if force {
		if err := s.pullRemoteAndMerge(ctx); err != nil {
			return err
		}
	}

	return s.pushLocal(ctx, force)
}

// Status returns the current sync state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status
}

// Gateway returns the session's remote store.
func (s *Session) Gateway() remote.Gateway { return s.gw }

func (s *Session) acquire(ctx context.Context) error {
	return s.cycle.Acquire(ctx, 1)
}

// tryAcquire takes the cycle slot if it is free. Otherwise it marks a
// push as wanted; the check and the mark happen under mu so release
// cannot miss it.
func (s *Session) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cycle.TryAcquire(1) {
		return true
	}

	s.pushWanted = true

	return false
}

func (s *Session) release() {
	s.mu.Lock()
	wanted := s.pushWanted && !s.stopped
	s.pushWanted = false
	s.cycle.Release(1)
	s.mu.Unlock()

	if wanted {
		s.debounce.Trigger()
	}
}

func (s *Session) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stopped
}

// pushLocal uploads the current local state. An unforced push is skipped
// when local state matches the last push or is exactly what the last
// apply left. Callers hold the cycle slot.
func (s *Session) pushLocal(ctx context.Context, force bool) error {
	snap := snapshot.Build(s.stores, s.clock.Now())
	fp := snap.Fingerprint()

	if missing := len(store.Areas) - len(snap.Areas()); missing > 0 {
		s.logger.Warn("snapshot is missing areas that failed to encode", slog.Int("missing", missing))
	}

	s.mu.Lock()
	unchanged := fp == s.lastPushedHash || fp == s.settledHash
	s.mu.Unlock()

	if unchanged && !force {
		return nil
	}

	if err := s.gw.Upsert(ctx, s.userID, snap); err != nil {
		s.logger.Warn("push failed", slog.String("error", err.Error()))
		s.setError(err)

		return fmt.Errorf("pushing snapshot: %w", err)
	}

	s.mu.Lock()
	s.lastPushedHash = fp
	s.settledHash = ""
	s.status.LastSyncedAt = snap.UpdatedAt()
	s.status.SyncError = nil
	s.mu.Unlock()

	s.publishStatus()

	s.logger.Debug("pushed snapshot", slog.String("fingerprint", fp[:12]), slog.Bool("forced", force))

	return nil
}

// pullRemoteAndMerge fetches the remote record and applies it unless it
// is one this device already pushed or applied. Callers hold the cycle
// slot.
func (s *Session) pullRemoteAndMerge(ctx context.Context) error {
	rec, err := s.gw.Fetch(ctx, s.userID)
	if err != nil {
		s.logger.Warn("pull failed", slog.String("error", err.Error()))
		s.setError(err)

		return fmt.Errorf("pulling remote record: %w", err)
	}

	s.mu.Lock()
	s.status.SyncError = nil
	s.mu.Unlock()

	if rec == nil || rec.Data == nil {
		s.publishStatus()
		return nil
	}

	s.applyIfNew(rec.Data, "pull")

	// The remote now reflects local state as far as the ledger is
	// concerned, whether or not anything was applied.
	s.mu.Lock()
	s.lastPushedHash = rec.Data.Fingerprint()
	s.status.LastSyncedAt = rec.UpdatedAt
	s.mu.Unlock()

	s.publishStatus()

	return nil
}

// applyIfNew applies snap unless its fingerprint matches the last push
// or the last apply. It reports whether the stores were written.
func (s *Session) applyIfNew(snap *snapshot.Snapshot, source string) bool {
	fp := snap.Fingerprint()

	s.mu.Lock()
	seen := fp == s.lastPushedHash || fp == s.lastAppliedHash
	s.mu.Unlock()

	if seen {
		return false
	}

	settled := s.settledFingerprint(snap)

	// Notifications from the apply reach the debouncer like any edit;
	// pushLocal drops them while local state still equals settled.
	problems := snapshot.Apply(s.stores, snap)
	for _, p := range problems {
		s.logger.Warn("remote field kept local value", slog.String("source", source), slog.String("error", p.Error()))
	}

	s.mu.Lock()
	s.lastAppliedHash = fp
	s.settledHash = settled
	s.mu.Unlock()

	s.logger.Info("applied remote snapshot", slog.String("source", source), slog.String("fingerprint", fp[:12]))

	return true
}

// settledFingerprint is the fingerprint local state will have once snap
// is applied, provided nothing else writes the stores meanwhile. It runs
// the apply on a scratch copy, so fields snap lacks or cannot decode keep
// their local values exactly as the real apply keeps them.
func (s *Session) settledFingerprint(snap *snapshot.Snapshot) string {
	now := s.clock.Now()

	scratch := store.NewStores()
	snapshot.Apply(scratch, snapshot.Build(s.stores, now))
	snapshot.Apply(scratch, snap)

	return snapshot.Build(scratch, now).Fingerprint()
}

// onRemoteChange handles a realtime notification. It runs on the
// gateway's goroutine and waits for any in-flight cycle so the ledger it
// checks against is current.
func (s *Session) onRemoteChange(rec remote.Record) {
	if rec.Data == nil {
		return
	}

	// Our own writes never need applying.
	if rec.DeviceID != "" && rec.DeviceID == s.deviceID {
		return
	}

	if s.acquire(s.runCtx) != nil {
		return
	}
	defer s.release()

	if s.isStopped() {
		return
	}

	if !s.applyIfNew(rec.Data, "realtime") {
		return
	}

	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = s.clock.Now()
	}

	s.mu.Lock()
	s.status.LastSyncedAt = updated
	s.mu.Unlock()

	s.publishStatus()
}

// onLocalChange is subscribed to every area store.
func (s *Session) onLocalChange() {
	s.debounce.Trigger()
}

func (s *Session) debouncedPush() {
	if err := s.TriggerSync(s.runCtx, false); err != nil {
		s.logger.Debug("debounced push failed", slog.String("error", err.Error()))
	}
}

func (s *Session) periodicPull() {
	if s.acquire(s.runCtx) != nil {
		return
	}
	defer s.release()

	if s.isStopped() {
		return
	}

	s.setSyncing(true)
	defer s.setSyncing(false)

	_ = s.pullRemoteAndMerge(s.runCtx)
}

func (s *Session) setSyncing(v bool) {
	s.mu.Lock()
	s.status.Syncing = v
	s.mu.Unlock()

	s.publishStatus()
}

func (s *Session) setError(err error) {
	s.mu.Lock()
	s.status.SyncError = err
	s.mu.Unlock()

	s.publishStatus()
}

func (s *Session) publishStatus() {
	if s.onStatus == nil {
		return
	}

	s.onStatus(s.Status())
}
