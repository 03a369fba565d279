package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/infomart/internal/app/domain/market"
	"github.com/R3E-Network/infomart/internal/app/events"
	"github.com/R3E-Network/infomart/internal/app/metrics"
	svcerrors "github.com/R3E-Network/infomart/internal/errors"
)

const (
	maxReplay      = 256
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = time.Minute
)

// sseWriter frames server-sent events onto a flushable response.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	s := &sseWriter{w: w, rc: http.NewResponseController(w)}
	_ = s.rc.Flush()
	return s
}

func (s *sseWriter) event(id, name string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var b strings.Builder
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", name, payload)
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) ping() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	return s.rc.Flush()
}

// marketFilter parses ?types=sale,slash. An empty value matches every event.
func marketFilter(r *http.Request) (events.Filter[market.Event], error) {
	raw := strings.TrimSpace(r.URL.Query().Get("types"))
	if raw == "" {
		return nil, nil
	}
	kinds := make(map[market.EventKind]bool)
	for _, part := range strings.Split(raw, ",") {
		kind := market.EventKind(strings.TrimSpace(part))
		switch kind {
		case market.EventListing, market.EventSale, market.EventSlash, market.EventReward:
			kinds[kind] = true
		case "":
		default:
			return nil, svcerrors.Validation("unknown event type "+string(kind), nil)
		}
	}
	return func(evt market.Event) bool { return kinds[evt.Kind] }, nil
}

func replayCount(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("replay")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, svcerrors.Validation("replay must be a non-negative integer", err)
	}
	if n > maxReplay {
		n = maxReplay
	}
	return n, nil
}

func (h *handler) subscribeMarket(r *http.Request) (*events.Subscription[market.Event], []market.Event, error) {
	filter, err := marketFilter(r)
	if err != nil {
		return nil, nil, err
	}
	replay, err := replayCount(r)
	if err != nil {
		return nil, nil, err
	}
	sub, history := h.app.MarketEvents.SubscribeFiltered(h.app.Config.BusBuffer, filter, replay)
	return sub, history, nil
}

// marketStream serves marketplace events as server-sent events until the
// client disconnects or the bus closes.
func (h *handler) marketStream(w http.ResponseWriter, r *http.Request) {
	sub, history, err := h.subscribeMarket(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	metrics.StreamConnected("sse", 1)
	defer metrics.StreamConnected("sse", -1)

	sse := newSSEWriter(w)
	if err := sse.event("", "connected", map[string]interface{}{
		"message":   "connected to marketplace stream",
		"timestamp": time.Now().UTC(),
	}); err != nil {
		return
	}
	for _, evt := range history {
		if err := sse.event(strconv.FormatUint(evt.Seq, 10), string(evt.Kind), evt); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if err := sse.ping(); err != nil {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			if err := sse.event(strconv.FormatUint(evt.Seq, 10), string(evt.Kind), evt); err != nil {
				return
			}
		}
	}
}

type socketFrame struct {
	Type  string        `json:"type"`
	Event *market.Event `json:"event,omitempty"`
	Time  time.Time     `json:"timestamp"`
}

// marketSocket serves the same events over a websocket. Client messages are
// read only to detect disconnects and answer pings.
func (h *handler) marketSocket(w http.ResponseWriter, r *http.Request) {
	sub, history, err := h.subscribeMarket(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return h.cors.Allows(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.StreamConnected("websocket", 1)
	defer metrics.StreamConnected("websocket", -1)

	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		}
	}()

	send := func(frame socketFrame) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(frame)
	}

	if err := send(socketFrame{Type: "connected", Time: time.Now().UTC()}); err != nil {
		return
	}
	for i := range history {
		if err := send(socketFrame{Type: string(history[i].Kind), Event: &history[i], Time: history[i].Timestamp}); err != nil {
			return
		}
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := send(socketFrame{Type: string(evt.Kind), Event: &evt, Time: evt.Timestamp}); err != nil {
				return
			}
		}
	}
}
