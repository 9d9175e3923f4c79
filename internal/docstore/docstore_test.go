package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/remote"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	b, err := OpenBolt(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)

	s := New(b, quietLogger())
	t.Cleanup(func() { s.Close() })

	return s
}

func buildSnapshot(t *testing.T, title string) *snapshot.Snapshot {
	t.Helper()

	stores := store.NewStores()
	stores.App.Update(func(s store.AppState) store.AppState {
		s.Tasks = []store.Task{{ID: "t1", Title: title}}
		return s
	})

	return snapshot.Build(stores, time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC))
}

func TestStore_PutMirrorsSnapshotTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	data, err := json.Marshal(buildSnapshot(t, "a"))
	require.NoError(t, err)

	rec, err := s.Put(ctx, "u1", "dev", data)
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.Equal(time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)))

	got, err := s.Get(ctx, "u1")
	require.NoError(t, err)
	assert.JSONEq(t, string(rec.Data), string(got.Data))
}

func TestStore_PutWithoutTimestampUsesClock(t *testing.T) {
	s := newTestStore(t)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	rec, err := s.Put(context.Background(), "u1", "", []byte(`{"version":1,"app":{"tasks":[]}}`))
	require.NoError(t, err)
	assert.True(t, rec.UpdatedAt.Equal(fixed))
}

func TestStore_PutRejectsMalformed(t *testing.T) {
	s := newTestStore(t)

	for _, body := range []string{`[]`, `null`, `"x"`, `{"version":"one"}`, `{`} {
		_, err := s.Put(context.Background(), "u1", "", []byte(body))
		assert.ErrorIs(t, err, errors.ErrMalformedSnapshot, body)
	}

	_, err := s.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, errors.ErrRecordNotFound)
}

func TestStore_NormalizesUserID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// "é" precomposed versus "e" plus combining acute accent.
	composed := "ren\u00e9"
	decomposed := "rene\u0301"

	_, err := s.Put(ctx, decomposed, "", []byte(`{"version":1}`))
	require.NoError(t, err)

	got, err := s.Get(ctx, composed)
	require.NoError(t, err)
	assert.Equal(t, composed, got.UserID)
}

func TestStore_PutPublishesToSubscribers(t *testing.T) {
	s := newTestStore(t)

	events := make(chan models.ChangeEvent, 2)
	unsub := s.Subscribe("u1", func(ev models.ChangeEvent) { events <- ev })
	defer unsub()

	assert.Equal(t, 1, s.SubscriberCount("u1"))

	_, err := s.Put(context.Background(), "u1", "phone", []byte(`{"version":1}`))
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "u1", ev.Record.UserID)
		assert.Equal(t, "phone", ev.DeviceID)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event")
	}
}

// gatedBackend holds the first Put until release is closed.
type gatedBackend struct {
	Backend
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *gatedBackend) Put(ctx context.Context, rec models.Record) error {
	if rec.UserID == "u1" && b.calls.Add(1) == 1 {
		close(b.entered)
		<-b.release
	}

	return b.Backend.Put(ctx, rec)
}

func TestStore_ConcurrentPutsPublishInStorageOrder(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)

	gated := &gatedBackend{Backend: b, entered: make(chan struct{}), release: make(chan struct{})}
	s := New(gated, quietLogger())
	t.Cleanup(func() { s.Close() })

	var (
		mu   sync.Mutex
		last models.ChangeEvent
	)
	unsub := s.Subscribe("u1", func(ev models.ChangeEvent) {
		mu.Lock()
		last = ev
		mu.Unlock()
	})
	defer unsub()

	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := s.Put(ctx, "u1", "laptop", []byte(`{"version":1,"app":{"tasks":[]}}`))
		first <- err
	}()
	<-gated.entered

	second := make(chan error, 1)
	go func() {
		_, err := s.Put(ctx, "u1", "phone", []byte(`{"version":1}`))
		second <- err
	}()

	// Another user's write is not held up.
	_, err = s.Put(ctx, "u2", "phone", []byte(`{"version":1}`))
	require.NoError(t, err)

	// The second write for u1 waits until the first is stored and published.
	assert.Never(t, func() bool { return gated.calls.Load() > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	close(gated.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	rec, err := s.Get(ctx, "u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.DeviceID == "phone"
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, string(rec.Data), string(last.Record.Data))
}

func TestGateway_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	gw := NewGateway(s, "laptop", quietLogger())
	ctx := context.Background()

	rec, err := gw.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec, "no record before the first push")

	snap := buildSnapshot(t, "hello")
	require.NoError(t, gw.Upsert(ctx, "u1", snap))

	rec, err = gw.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, snap.Fingerprint(), rec.Data.Fingerprint())
	assert.True(t, rec.UpdatedAt.Equal(snap.UpdatedAt()))
}

func TestGateway_SubscribeCarriesWriter(t *testing.T) {
	s := newTestStore(t)
	laptop := NewGateway(s, "laptop", quietLogger())
	phone := NewGateway(s, "phone", quietLogger())
	ctx := context.Background()

	got := make(chan remote.Record, 2)
	sub, err := laptop.Subscribe(ctx, "u1", func(r remote.Record) { got <- r })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snap := buildSnapshot(t, "from phone")
	require.NoError(t, phone.Upsert(ctx, "u1", snap))

	select {
	case r := <-got:
		assert.Equal(t, "phone", r.DeviceID)
		assert.Equal(t, snap.Fingerprint(), r.Data.Fingerprint())
	case <-time.After(5 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestGateway_UpsertErrorIsTransport(t *testing.T) {
	s := newTestStore(t)
	gw := NewGateway(s, "laptop", quietLogger())

	require.NoError(t, s.Close())

	err := gw.Upsert(context.Background(), "u1", buildSnapshot(t, "x"))
	assert.ErrorIs(t, err, errors.ErrTransport)
}

func TestGateway_SubscriptionEndsWithContext(t *testing.T) {
	s := newTestStore(t)
	gw := NewGateway(s, "laptop", quietLogger())

	ctx, cancel := context.WithCancel(context.Background())

	sub, err := gw.Subscribe(ctx, "u1", func(remote.Record) {})
	require.NoError(t, err)
	assert.Equal(t, 1, s.SubscriberCount("u1"))

	cancel()

	assert.Eventually(t, func() bool { return s.SubscriberCount("u1") == 0 },
		5*time.Second, 10*time.Millisecond)

	assert.NoError(t, sub.Unsubscribe())
}
