package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/alexjbarnes/dash-sync/internal/snapshot"
	"github.com/go-resty/resty/v2"
)

const (
	// defaultTimeout bounds each REST call when the config leaves it unset.
	defaultTimeout = 15 * time.Second

	// DeviceHeader carries the writing device's ID on every request.
	DeviceHeader = models.DeviceHeader

	// maxErrorBody caps how much of an error response ends up in messages.
	maxErrorBody = 256
)

// HTTPConfig holds the parameters for talking to a dash-sync server.
type HTTPConfig struct {
	BaseURL  string
	APIKey   string
	DeviceID string
	Timeout  time.Duration
}

// HTTPGateway implements Gateway against the dash-sync server: REST for
// upsert and fetch, a websocket for the change feed.
type HTTPGateway struct {
	client   *resty.Client
	baseURL  string
	apiKey   string
	deviceID string
	logger   *slog.Logger

	dial         dialFunc
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewHTTPGateway creates a gateway for the server at cfg.BaseURL.
func NewHTTPGateway(cfg HTTPConfig, logger *slog.Logger) *HTTPGateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	cli := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader(DeviceHeader, cfg.DeviceID)

	return &HTTPGateway{
		client:       cli,
		baseURL:      base,
		apiKey:       cfg.APIKey,
		deviceID:     cfg.DeviceID,
		logger:       logger.With(slog.String("component", "gateway")),
		dial:         dialWebsocket,
		reconnectMin: reconnectMin,
		reconnectMax: reconnectMax,
	}
}

func recordPath(userID string) string {
	return "/v1/records/" + url.PathEscape(userID)
}

// Upsert sends snap as the user's new record.
func (g *HTTPGateway) Upsert(ctx context.Context, userID string, snap *snapshot.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Put(recordPath(userID))
	if err != nil {
		return fmt.Errorf("%w: upsert request: %v", errors.ErrTransport, err)
	}

	return mapHTTPError(resp)
}

// Fetch returns the user's record, or nil when the server has none.
func (g *HTTPGateway) Fetch(ctx context.Context, userID string) (*Record, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		Get(recordPath(userID))
	if err != nil {
		return nil, fmt.Errorf("%w: fetch request: %v", errors.ErrTransport, err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, nil
	}

	if err := mapHTTPError(resp); err != nil {
		return nil, err
	}

	var m models.Record
	if err := json.Unmarshal(resp.Body(), &m); err != nil {
		return nil, fmt.Errorf("%w: decoding record: %v", errors.ErrAPIResponse, err)
	}

	if len(m.Data) == 0 || string(m.Data) == "null" {
		return nil, nil
	}

	return FromModel(m, "")
}

// mapHTTPError turns a non-2xx response into a transport error that also
// wraps the most specific sentinel for the status.
func mapHTTPError(resp *resty.Response) error {
	code := resp.StatusCode()
	if code >= http.StatusOK && code < http.StatusMultipleChoices {
		return nil
	}

	body := sanitizeBody(resp.Body())

	switch code {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w: %s", errors.ErrTransport, errors.ErrMalformedSnapshot, body)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", errors.ErrTransport, errors.ErrUnauthorized)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %w", errors.ErrTransport, errors.ErrForbidden)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w: %s", errors.ErrTransport, errors.ErrUnavailable, body)
	default:
		if body == "" {
			body = http.StatusText(code)
		}

		return fmt.Errorf("%w: http %d: %s", errors.ErrTransport, code, body)
	}
}

// sanitizeBody truncates an error body and strips control characters so
// a misbehaving server cannot inject into logs.
func sanitizeBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}

	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '?'
		}

		return r
	}, s)
}
