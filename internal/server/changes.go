package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/models"
	"github.com/coder/websocket"
)

// changes upgrades to a websocket and streams the user's change events
// as text frames until either side goes away. Client frames are ignored.
func (h *handler) changes(w http.ResponseWriter, r *http.Request) {
	userID := pathUserID(r)

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// CloseRead discards client frames and cancels ctx when the peer closes.
	ctx, cancel := context.WithCancel(conn.CloseRead(r.Context()))
	defer cancel()

	logger := h.logger.With(
		slog.String("user_id", userID),
		slog.String("device_id", r.Header.Get(models.DeviceHeader)),
	)

	unsubscribe := h.store.Subscribe(userID, func(ev models.ChangeEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Error("encoding change event", slog.String("error", err.Error()))
			return
		}

		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()

		if err := conn.Write(wctx, websocket.MessageText, data); err != nil {
			logger.Debug("change feed write failed", slog.String("error", err.Error()))
			cancel()
		}
	})
	defer unsubscribe()

	logger.Debug("change feed opened")

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("change feed closed")
			conn.Close(websocket.StatusNormalClosure, "")

			return
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()

			if err != nil {
				logger.Debug("change feed ping failed", slog.String("error", err.Error()))
				cancel()

				return
			}
		}
	}
}
