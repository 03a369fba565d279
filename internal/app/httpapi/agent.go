package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/infomart/internal/app/domain/session"
	svcerrors "github.com/R3E-Network/infomart/internal/errors"
	"github.com/R3E-Network/infomart/internal/httputil"
	"github.com/R3E-Network/infomart/pkg/logger"
)

const maxQueryLength = 2000

type chatPayload struct {
	Query     string           `json:"query"`
	Budget    *decimal.Decimal `json:"budget"`
	SessionID string           `json:"sessionId"`
}

// chat starts an agent session in the background and points the caller at
// its event stream.
func (h *handler) chat(w http.ResponseWriter, r *http.Request) {
	var payload chatPayload
	if err := decodeBody(r, &payload); err != nil {
		h.writeError(w, r, err)
		return
	}
	query := strings.TrimSpace(payload.Query)
	if query == "" {
		h.writeError(w, r, svcerrors.Validation("query is required", nil))
		return
	}
	if len(query) > maxQueryLength {
		h.writeError(w, r, svcerrors.Validation("query is too long", nil))
		return
	}
	var amount decimal.Decimal
	if payload.Budget != nil {
		if !payload.Budget.IsPositive() {
			h.writeError(w, r, svcerrors.Validation("budget must be positive", nil))
			return
		}
		amount = *payload.Budget
	}

	sess, err := h.app.Agent.Launch(query, strings.TrimSpace(payload.SessionID), amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := logger.WithSessionID(r.Context(), sess.ID)
	h.log.WithContext(ctx).WithField("budget", sess.Budget.StringFixed(2)).Info("agent session started")
	httputil.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"success":   true,
		"sessionId": sess.ID,
		"streamUrl": "/sessions/" + sess.ID + "/stream",
		"status":    "processing",
		"budget":    sess.Budget,
	})
}

func (h *handler) sessions(w http.ResponseWriter, r *http.Request) {
	list, err := h.app.Budget.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"sessions": list,
		"count":    len(list),
	})
}

func (h *handler) session(w http.ResponseWriter, r *http.Request) {
	sess, err := h.app.Budget.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"session":   sess,
		"remaining": sess.Remaining(),
	})
}

func (h *handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.app.Agent.Cancel(id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.WithContext(logger.WithSessionID(r.Context(), id)).Info("agent session cancelled")
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"sessionId": id,
		"status":    "cancelling",
	})
}

// finalEvent reports whether evt ends a session stream.
func finalEvent(evt session.Event) bool {
	return evt.Kind == session.EventLog && evt.Log != nil && evt.Log.Step == session.StepFinal
}

// sessionStream replays a session's events and follows it until the FINAL
// log entry.
func (h *handler) sessionStream(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sub, history, err := h.app.Agent.Subscribe(id, h.app.Config.BusBuffer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer sub.Close()

	sse := newSSEWriter(w)
	for _, evt := range history {
		if err := sse.event("", string(evt.Kind), evt.Payload()); err != nil {
			return
		}
		if finalEvent(evt) {
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
			if err := sse.event("", string(evt.Kind), evt.Payload()); err != nil {
				return
			}
			if finalEvent(evt) {
				return
			}
		}
	}
}
