package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	eventWriteTimeout = 5 * time.Second
	eventPingInterval = 30 * time.Second
)

// handleEvents upgrades to a WebSocket and streams engine events until
// the client disconnects. The stream is write-only; reads are drained
// so client close frames are honored.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed",
			zap.String("correlationId", correlationID), zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream closed")

	ctx := conn.CloseRead(r.Context())
	events, cancel := s.engine.Subscribe()
	defer cancel()

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "engine shutting down")
				return
			}
			if err := writeEvent(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					s.logger.Debug("event write failed",
						zap.String("correlationId", correlationID), zap.Error(err))
				}
				return
			}
		case <-ping.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, eventWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev any) error {
	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, ev)
}
