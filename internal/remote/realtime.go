package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/coder/websocket"
	"golang.org/x/text/unicode/norm"
)

const (
	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// changeFeedReadLimit caps a single change event. Events carry a full
	// snapshot, so the library's 32KB default is far too small.
	changeFeedReadLimit = 16 * 1024 * 1024

	// jitterDivisor bounds the random jitter added to reconnect backoff
	// to [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// wsConn abstracts the websocket so the change feed can be tested with a
// mock. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, error)

func dialWebsocket(ctx context.Context, url string, opts *websocket.DialOptions) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, opts) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// changeFeedURL maps the REST base URL onto the websocket scheme.
func (g *HTTPGateway) changeFeedURL(userID string) string {
	u := g.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	return u + recordPath(userID) + "/changes"
}

// Subscribe opens the user's change feed in the background and keeps it
// open until the subscription is released or ctx ends. Dropped
// connections are redialled with jittered exponential backoff; after a
// redial the current record is fetched and delivered so nothing written
// while disconnected is missed.
func (g *HTTPGateway) Subscribe(ctx context.Context, userID string, onChange func(Record)) (Subscription, error) {
	if onChange == nil {
		return nil, fmt.Errorf("subscribe: onChange is required")
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &feedSubscription{
		gw:       g,
		userID:   userID,
		key:      norm.NFC.String(userID),
		onChange: onChange,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   g.logger.With(slog.String("user_id", userID)),
	}

	go sub.run(subCtx)

	return sub, nil
}

type feedSubscription struct {
	gw       *HTTPGateway
	userID   string
	key      string
	onChange func(Record)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe stops the feed and waits for the reader to exit.
func (s *feedSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})

	return nil
}

func (s *feedSubscription) run(ctx context.Context) {
	defer close(s.done)

	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + s.gw.apiKey},
			DeviceHeader:    []string{s.gw.deviceID},
		},
	}

	backoff := s.gw.reconnectMin
	connectedBefore := false

	for {
		conn, err := s.gw.dial(ctx, s.gw.changeFeedURL(s.userID), opts)
		if err == nil {
			conn.SetReadLimit(changeFeedReadLimit)
			s.logger.Debug("change feed connected")

			if connectedBefore {
				s.catchUp(ctx)
			}

			connectedBefore = true
			backoff = s.gw.reconnectMin

			err = s.readLoop(ctx, conn)
			conn.Close(websocket.StatusNormalClosure, "")
		}

		if ctx.Err() != nil {
			return
		}

		delay := backoff
		if jitterMax := int64(backoff / jitterDivisor); jitterMax > 0 {
			delay += time.Duration(rand.Int64N(jitterMax))
		}

		s.logger.Warn("change feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		backoff *= 2
		if backoff > s.gw.reconnectMax {
			backoff = s.gw.reconnectMax
		}
	}
}

func (s *feedSubscription) readLoop(ctx context.Context, conn wsConn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading change feed: %w", err)
		}

		if typ != websocket.MessageText {
			s.logger.Debug("ignoring binary frame", slog.Int("bytes", len(data)))
			continue
		}

		var ev models.ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("unparseable change event", slog.Int("bytes", len(data)))
			continue
		}

		// The server keys records by the NFC form of the user ID.
		if norm.NFC.String(ev.Record.UserID) != s.key {
			continue
		}

		rec, err := FromModel(ev.Record, ev.DeviceID)
		if err != nil {
			s.logger.Warn("dropping change event", slog.String("error", err.Error()))
			continue
		}

		s.onChange(*rec)
	}
}

// catchUp delivers the current record after a reconnect.
func (s *feedSubscription) catchUp(ctx context.Context) {
	rec, err := s.gw.Fetch(ctx, s.userID)
	if err != nil {
		s.logger.Warn("change feed catch-up failed", slog.String("error", err.Error()))
		return
	}

	if rec != nil {
		s.onChange(*rec)
	}
}
