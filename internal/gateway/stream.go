package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/storyforge/internal/apperr"
	"github.com/basket/storyforge/internal/bus"
)

// DefaultEventTopics are streamed when the client names none.
var DefaultEventTopics = []string{"requirement.", "story.", "testrun."}

const eventWriteTimeout = 5 * time.Second

// TopicStreamLagged is sent on the socket only; its payload carries how many
// events the client missed.
const TopicStreamLagged = "stream.lagged"

// handleEvents upgrades to a websocket and forwards bus events whose topic
// matches one of the ?topics= prefixes (comma separated). A client that
// falls behind gets a stream.lagged event before the next delivery.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, r, apperr.Unavailable("event stream not configured", nil))
		return
	}
	prefixes := DefaultEventTopics
	if q := r.URL.Query().Get("topics"); q != "" {
		prefixes = nil
		for _, p := range strings.Split(q, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		if len(prefixes) == 0 {
			prefixes = DefaultEventTopics
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		s.logger.WarnContext(r.Context(), "ws: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.cfg.Bus.Subscribe(prefixes...)
	defer s.cfg.Bus.Unsubscribe(sub)
	s.logger.InfoContext(r.Context(), "ws: client connected", "topics", prefixes)

	// The client never sends; CloseRead cancels ctx when it goes away.
	ctx := conn.CloseRead(context.WithoutCancel(r.Context()))
	var reported int64
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(r.Context(), "ws: client disconnected")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			// Tell the client it missed events before sending the next one.
			if n := sub.Dropped(); n > reported {
				lag := bus.Event{Topic: TopicStreamLagged, At: ev.At, Payload: map[string]int64{"dropped": n - reported}}
				reported = n
				if !s.writeEvent(ctx, r, conn, lag) {
					return
				}
			}
			if !s.writeEvent(ctx, r, conn, ev) {
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, r *http.Request, conn *websocket.Conn, ev bus.Event) bool {
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, ev); err != nil {
		s.logger.WarnContext(r.Context(), "ws: write failed, closing", "topic", ev.Topic, "error", err)
		return false
	}
	return true
}
