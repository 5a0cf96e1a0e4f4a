package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/anpag/escaipe-room/internal/channel"
)

const frameWriteTimeout = 10 * time.Second

func handleCoordinatorChannel(mgr *channel.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := mgr.OpenCoordinator(chi.URLParam(r, "teamID"))
		if err != nil {
			writeChannelError(w, logger, err)
			return
		}
		serveChannel(w, r, mgr, s, logger)
	}
}

func handleItemChannel(mgr *channel.Manager, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := mgr.OpenItem(chi.URLParam(r, "teamID"), chi.URLParam(r, "zoneID"))
		if err != nil {
			writeChannelError(w, logger, err)
			return
		}
		serveChannel(w, r, mgr, s, logger)
	}
}

func writeChannelError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, channel.ErrSessionClosed) {
		writeError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	writeEngineError(w, logger, err)
}

// serveChannel bridges one socket to a session. Text messages are
// utterances; everything the session emits is written back as JSON frames.
// A normal closure from the client on an item channel closes the modal and
// with it the session.
func serveChannel(w http.ResponseWriter, r *http.Request, mgr *channel.Manager, s *channel.Session, logger *slog.Logger) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub, err := s.Attach()
	if err != nil {
		conn.Close(websocket.StatusGoingAway, "session closed")
		return
	}
	defer sub.Detach()

	key := s.Key()
	log := logger.With("team_id", key.TeamID, "channel", string(key.Kind))
	if key.Zone != "" {
		log = log.With("zone", key.Zone)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		writeFrames(ctx, conn, sub, log)
	}()

	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && key.Zone != "" && sub.Err() == nil {
				mgr.Close(s, channel.ReasonClientClosed)
			}
			log.Debug("websocket read ended", "error", err)
			break
		}
		if typ != websocket.MessageText {
			continue
		}
		text, ok := channel.ValidUtterance(string(msg))
		if !ok {
			continue
		}
		if err := s.Send(text); err != nil {
			sub.Notify(channel.Frame{Type: channel.FrameError, Error: sendErrorMessage(err)})
		}
	}

	sub.Detach()
	<-done
}

// writeFrames drains the subscription until it ends, then closes the
// socket with a status describing why.
func writeFrames(ctx context.Context, conn *websocket.Conn, sub *channel.Subscription, log *slog.Logger) {
	for f := range sub.Frames() {
		data, err := json.Marshal(f)
		if err != nil {
			log.Error("encode frame", "error", err)
			continue
		}
		wctx, cancel := context.WithTimeout(ctx, frameWriteTimeout)
		err = conn.Write(wctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Debug("websocket write failed", "error", err)
			return
		}
	}

	switch err := sub.Err(); {
	case errors.Is(err, channel.ErrSlowConsumer):
		log.Warn("dropping slow channel subscriber")
		conn.Close(websocket.StatusPolicyViolation, "too slow")
	case errors.Is(err, channel.ErrSessionClosed):
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}
}

func sendErrorMessage(err error) string {
	if errors.Is(err, channel.ErrSessionBusy) {
		return "Still working on your last message. Please wait."
	}
	return "This conversation has ended."
}
