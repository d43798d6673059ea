package www

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"ordertrack/taxonomy"
	"ordertrack/tracking"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// trackingView is what a storefront page renders.
type trackingView struct {
	ActiveOrder *tracking.Record `json:"activeOrder"`
	IsConnected bool             `json:"isConnected"`
	Display     *displayView     `json:"display,omitempty"`
}

type displayView struct {
	Label    string          `json:"label"`
	Icon     string          `json:"icon"`
	Color    string          `json:"color"`
	Progress int             `json:"progress"`
	Terminal bool            `json:"terminal"`
	Known    bool            `json:"known"`
	Steps    []taxonomy.Step `json:"steps"`
}

func viewOf(c *tracking.Coordinator) trackingView {
	if c == nil {
		return trackingView{}
	}
	v := trackingView{IsConnected: c.IsConnected()}
	rec, ok := c.ActiveOrder()
	if !ok {
		return v
	}
	info := taxonomy.Lookup(rec.Status)
	v.ActiveOrder = &rec
	v.Display = &displayView{
		Label:    info.Label,
		Icon:     info.Icon,
		Color:    info.Color,
		Progress: rec.Progress(),
		Terminal: rec.Terminal(),
		Known:    taxonomy.Known(rec.Status),
		Steps:    taxonomy.Steps(rec.OrderType, rec.Status),
	}
	return v
}

func (h *Handlers) sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	sid, err := h.sessions.id(w, r)
	if err != nil {
		h.log.Error("session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "session unavailable")
		return "", false
	}
	return sid, true
}

// tracker resolves the caller's session coordinator, creating it if needed.
func (h *Handlers) tracker(w http.ResponseWriter, r *http.Request, sid string) (*tracking.Coordinator, bool) {
	c, err := h.engine.Tracker(r.Context(), sid)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return nil, false
	}
	return c, true
}

// existing resolves the caller's coordinator only if the session has
// something tracked. A nil coordinator with ok set means an idle session.
func (h *Handlers) existing(w http.ResponseWriter, r *http.Request) (sid string, c *tracking.Coordinator, ok bool) {
	sid, ok = h.sessionID(w, r)
	if !ok {
		return "", nil, false
	}
	c, _, err := h.engine.Lookup(r.Context(), sid)
	if err != nil {
		h.log.Error("lookup session", zap.String("session", sid), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return "", nil, false
	}
	return sid, c, true
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":      "ok",
		"sessions":    h.engine.Sessions(),
		"channels":    h.engine.OpenChannels(),
		"sse_clients": h.eventHub.Clients(),
	})
}

func (h *Handlers) handleEvents(w http.ResponseWriter, r *http.Request) {
	sid, c, ok := h.existing(w, r)
	if !ok {
		return
	}
	h.eventHub.serve(w, r, sid, viewOf(c))
}

type statusEntry struct {
	Status   taxonomy.Status `json:"status"`
	Label    string          `json:"label"`
	Icon     string          `json:"icon"`
	Color    string          `json:"color"`
	Terminal bool            `json:"terminal"`
}

func (h *Handlers) apiStatuses(w http.ResponseWriter, r *http.Request) {
	statuses := taxonomy.Statuses()
	entries := make([]statusEntry, 0, len(statuses))
	for _, s := range statuses {
		info := taxonomy.Lookup(s)
		entries = append(entries, statusEntry{
			Status: s, Label: info.Label, Icon: info.Icon, Color: info.Color,
			Terminal: taxonomy.IsTerminal(s),
		})
	}
	sequences := map[taxonomy.OrderType][]taxonomy.Status{}
	for _, t := range []taxonomy.OrderType{taxonomy.TypeDineIn, taxonomy.TypeTakeaway, taxonomy.TypeDelivery} {
		sequences[t] = taxonomy.Sequence(t)
	}
	writeJSON(w, map[string]interface{}{
		"statuses":  entries,
		"sequences": sequences,
	})
}

func (h *Handlers) apiGetTracking(w http.ResponseWriter, r *http.Request) {
	_, c, ok := h.existing(w, r)
	if !ok {
		return
	}
	writeJSON(w, viewOf(c))
}

func (h *Handlers) apiTrackOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID     string `json:"orderId"`
		OrderNumber int    `json:"orderNumber"`
		OrderType   string `json:"orderType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	orderType, err := taxonomy.ParseOrderType(req.OrderType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "orderId is required")
		return
	}

	sid, ok := h.sessionID(w, r)
	if !ok {
		return
	}
	c, ok := h.tracker(w, r, sid)
	if !ok {
		return
	}
	err = c.TrackOrder(req.OrderID, req.OrderNumber, orderType)
	if errors.Is(err, tracking.ErrClosed) {
		// Released by a concurrent clear; a fresh coordinator takes over.
		if c, ok = h.tracker(w, r, sid); !ok {
			return
		}
		err = c.TrackOrder(req.OrderID, req.OrderNumber, orderType)
	}
	if err != nil {
		if errors.Is(err, tracking.ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Tracking is live in memory; only the persisted copy is missing.
		h.log.Warn("track order", zap.String("order_id", req.OrderID), zap.Error(err))
	}
	writeJSON(w, viewOf(c))
}

func (h *Handlers) apiClearTracking(w http.ResponseWriter, r *http.Request) {
	_, c, ok := h.existing(w, r)
	if !ok {
		return
	}
	if c != nil {
		c.ClearTracking()
	}
	writeJSON(w, trackingView{})
}

func (h *Handlers) apiRefresh(w http.ResponseWriter, r *http.Request) {
	_, c, ok := h.existing(w, r)
	if !ok {
		return
	}
	if c == nil {
		writeError(w, http.StatusConflict, "no active order")
		return
	}
	rec, active := c.ActiveOrder()
	if !active {
		writeError(w, http.StatusConflict, "no active order")
		return
	}
	c.RefreshOrderStatus(r.Context(), rec.OrderID)
	writeJSON(w, viewOf(c))
}
