package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// scriptedDialer hands out the given connections in order, then blocks
// until the dial context ends.
type scriptedDialer struct {
	mu    sync.Mutex
	conns []wsConn
	urls  []string
	auth  []string
}

func (d *scriptedDialer) dial(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	d.auth = append(d.auth, opts.HTTPHeader.Get("Authorization"))

	if len(d.conns) > 0 {
		c := d.conns[0]
		d.conns = d.conns[1:]
		d.mu.Unlock()

		if c == nil {
			return nil, fmt.Errorf("connection refused")
		}

		return c, nil
	}
	d.mu.Unlock()

	<-ctx.Done()

	return nil, ctx.Err()
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.urls)
}

func blockUntilDone(ctx context.Context) (websocket.MessageType, []byte, error) {
	<-ctx.Done()
	return 0, nil, ctx.Err()
}

func changeEvent(t *testing.T, userID, deviceID string) []byte {
	t.Helper()

	data, err := json.Marshal(testSnapshot(t))
	require.NoError(t, err)

	ev, err := json.Marshal(models.ChangeEvent{
		Record: models.Record{
			UserID:    userID,
			Data:      data,
			UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		DeviceID: deviceID,
	})
	require.NoError(t, err)

	return ev
}

type recordSink struct {
	mu   sync.Mutex
	recs []Record
	ch   chan struct{}
}

func newRecordSink() *recordSink {
	return &recordSink{ch: make(chan struct{}, 16)}
}

func (s *recordSink) onChange(r Record) {
	s.mu.Lock()
	s.recs = append(s.recs, r)
	s.mu.Unlock()
	s.ch <- struct{}{}
}

func (s *recordSink) wait(t *testing.T, n int) []Record {
	t.Helper()

	for range n {
		select {
		case <-s.ch:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for change %d of %d", len(s.recs)+1, n)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Record(nil), s.recs...)
}

func TestSubscribe_DeliversMatchingEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)

	gw := NewHTTPGateway(HTTPConfig{BaseURL: "http://sync.test", APIKey: "ds_k", DeviceID: "me"}, quietLogger())
	dialer := &scriptedDialer{conns: []wsConn{conn}}
	gw.dial = dialer.dial

	conn.EXPECT().SetReadLimit(int64(changeFeedReadLimit))
	gomock.InOrder(
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageBinary, []byte{0x01}, nil),
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, []byte(`{not json`), nil),
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, changeEvent(t, "someone-else", "x"), nil),
		conn.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, changeEvent(t, "u1", "other-device"), nil),
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(blockUntilDone),
	)
	conn.EXPECT().Close(websocket.StatusNormalClosure, "").Return(nil)

	sink := newRecordSink()
	sub, err := gw.Subscribe(context.Background(), "u1", sink.onChange)
	require.NoError(t, err)

	recs := sink.wait(t, 1)
	require.NoError(t, sub.Unsubscribe())

	require.Len(t, recs, 1)
	assert.Equal(t, "u1", recs[0].UserID)
	assert.Equal(t, "other-device", recs[0].DeviceID)
	assert.Equal(t, testSnapshot(t).Fingerprint(), recs[0].Data.Fingerprint())

	assert.Equal(t, []string{"ws://sync.test/v1/records/u1/changes"}, dialer.urls)
	assert.Equal(t, []string{"Bearer ds_k"}, dialer.auth)
}

func TestSubscribe_ReconnectCatchesUp(t *testing.T) {
	snapJSON, err := json.Marshal(testSnapshot(t))
	require.NoError(t, err)

	var fetches int

	var fetchMu sync.Mutex

	gw := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		fetchMu.Lock()
		fetches++
		fetchMu.Unlock()

		_ = json.NewEncoder(w).Encode(models.Record{
			UserID:    "u1",
			Data:      snapJSON,
			UpdatedAt: time.Now().UTC(),
		})
	})
	gw.reconnectMin = time.Millisecond
	gw.reconnectMax = 2 * time.Millisecond

	ctrl := gomock.NewController(t)
	first := NewMockWSConn(ctrl)
	second := NewMockWSConn(ctrl)

	// The nil entry is a failed dial between the two connections.
	dialer := &scriptedDialer{conns: []wsConn{first, nil, second}}
	gw.dial = dialer.dial

	first.EXPECT().SetReadLimit(gomock.Any())
	first.EXPECT().Read(gomock.Any()).Return(websocket.MessageType(0), nil, fmt.Errorf("connection reset"))
	first.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)

	second.EXPECT().SetReadLimit(gomock.Any())
	second.EXPECT().Read(gomock.Any()).DoAndReturn(blockUntilDone)
	second.EXPECT().Close(gomock.Any(), gomock.Any()).Return(nil)

	sink := newRecordSink()
	sub, err := gw.Subscribe(context.Background(), "u1", sink.onChange)
	require.NoError(t, err)

	recs := sink.wait(t, 1)
	require.NoError(t, sub.Unsubscribe())

	require.Len(t, recs, 1)
	assert.Equal(t, "u1", recs[0].UserID)
	assert.Empty(t, recs[0].DeviceID, "catch-up records have no known writer")
	assert.Equal(t, 3, dialer.dialCount())

	fetchMu.Lock()
	assert.Equal(t, 1, fetches, "only the reconnect triggers a fetch")
	fetchMu.Unlock()
}

func TestSubscribe_UnsubscribeIsIdempotent(t *testing.T) {
	gw := NewHTTPGateway(HTTPConfig{BaseURL: "http://sync.test"}, quietLogger())
	dialer := &scriptedDialer{}
	gw.dial = dialer.dial

	sub, err := gw.Subscribe(context.Background(), "u1", func(Record) {})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestSubscribe_StopsWhenContextEnds(t *testing.T) {
	gw := NewHTTPGateway(HTTPConfig{BaseURL: "http://sync.test"}, quietLogger())
	dialer := &scriptedDialer{}
	gw.dial = dialer.dial

	ctx, cancel := context.WithCancel(context.Background())

	sub, err := gw.Subscribe(ctx, "u1", func(Record) {})
	require.NoError(t, err)

	cancel()

	fs, ok := sub.(*feedSubscription)
	require.True(t, ok)

	select {
	case <-fs.done:
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop after context cancellation")
	}
}

func TestSubscribe_RequiresCallback(t *testing.T) {
	gw := NewHTTPGateway(HTTPConfig{BaseURL: "http://sync.test"}, quietLogger())

	_, err := gw.Subscribe(context.Background(), "u1", nil)
	assert.Error(t, err)
}
