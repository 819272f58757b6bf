// Package api exposes HTTP handlers for the timeslice service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/timeslice/internal/auth"
	"example.com/timeslice/internal/domain"
	"example.com/timeslice/internal/persistence"
)

// Handler coordinates HTTP requests with the Time Engine.
type Handler struct {
	engine *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(engine *domain.Service) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/slices", h.slices)
	mux.HandleFunc("/v1/slices/", h.sliceRoutes)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) slices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	h.listSlices(w, r)
}

func (h *Handler) sliceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/slices/")
	switch rest {
	case "start":
		h.requirePost(w, r, h.startSlice)
	case "stop":
		h.requirePost(w, r, h.stopSlice)
	case "stop-if-exists":
		h.requirePost(w, r, h.stopSliceIfExists)
	case "state":
		h.currentState(w, r)
	case "":
		writeError(w, http.StatusBadRequest, "invalid_request", "missing slice id")
	default:
		h.sliceByID(w, r, rest)
	}
}

func (h *Handler) requirePost(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	next(w, r)
}

func (h *Handler) startSlice(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, auth.ScopeSlicesWrite) {
		return
	}

	var req StartSliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	interval, reused, err := h.engine.StartSlice(r.Context(), domain.StartSliceInput{
		Category:       req.Category,
		Dimension:      domain.Dimension(req.Dimension),
		Source:         domain.Source(req.Source),
		LinkedEntityID: req.LinkedEntityID,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, StartSliceResponse{
		Slice:  toSliceView(*interval),
		Reused: reused,
	})
}

func (h *Handler) stopSlice(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, auth.ScopeSlicesWrite) {
		return
	}

	input, ok := decodeStopInput(w, r)
	if !ok {
		return
	}

	interval, err := h.engine.StopSlice(r.Context(), input)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSliceView(*interval))
}

func (h *Handler) stopSliceIfExists(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, auth.ScopeSlicesWrite) {
		return
	}

	input, ok := decodeStopInput(w, r)
	if !ok {
		return
	}

	interval, err := h.engine.StopSliceIfExists(r.Context(), input)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := StopIfExistsResponse{Stopped: interval != nil}
	if interval != nil {
		view := toSliceView(*interval)
		resp.Slice = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeStopInput(w http.ResponseWriter, r *http.Request) (domain.StopSliceInput, bool) {
	var req StopSliceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return domain.StopSliceInput{}, false
	}
	return domain.StopSliceInput{
		Dimension: domain.Dimension(req.Dimension),
		Category:  req.Category,
		EndAt:     req.EndAt,
	}, true
}

func (h *Handler) currentState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}
	if !h.authorize(w, r, auth.ScopeSlicesRead, auth.ScopeSlicesWrite) {
		return
	}

	snapshot, err := h.engine.CurrentState(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		Primary:  toStateView(snapshot.Primary),
		WorkMode: toStateView(snapshot.WorkMode),
		Social:   toStateView(snapshot.Social),
		Segment:  toStateView(snapshot.Segment),
	})
}

func (h *Handler) listSlices(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r, auth.ScopeSlicesRead, auth.ScopeSlicesWrite) {
		return
	}

	var dimension *domain.Dimension
	if raw := r.URL.Query().Get("dimension"); raw != "" {
		d := domain.Dimension(raw)
		dimension = &d
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	intervals, next, err := h.engine.ListSlices(r.Context(), dimension, cursor, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	items := make([]SliceView, 0, len(intervals))
	for _, interval := range intervals {
		items = append(items, toSliceView(interval))
	}
	writeJSON(w, http.StatusOK, ListSlicesResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) sliceByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		if !h.authorize(w, r, auth.ScopeSlicesRead, auth.ScopeSlicesWrite) {
			return
		}
		interval, err := h.engine.GetSlice(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSliceView(*interval))

	case http.MethodPatch:
		if !h.authorize(w, r, auth.ScopeSlicesWrite) {
			return
		}
		var req UpdateSliceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
			return
		}
		patch := domain.IntervalPatch{
			Category:       req.Category,
			StartedAt:      req.StartedAt,
			EndedAt:        req.EndedAt,
			ClearEnd:       req.ClearEnd,
			Locked:         req.Locked,
			LinkedEntityID: req.LinkedEntityID,
		}
		if req.Source != nil {
			source := domain.Source(*req.Source)
			patch.Source = &source
		}
		interval, err := h.engine.UpdateSlice(r.Context(), id, patch)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSliceView(*interval))

	case http.MethodDelete:
		if !h.authorize(w, r, auth.ScopeSlicesWrite) {
			return
		}
		if err := h.engine.DeleteSlice(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// authorize enforces that the request carries any of the listed scopes.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, scopes ...string) bool {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "insufficient scope")
	return false
}

// StartSliceRequest is the payload for POST /v1/slices/start.
type StartSliceRequest struct {
	Category       string  `json:"category"`
	Dimension      string  `json:"dimension"`
	Source         string  `json:"source"`
	LinkedEntityID *string `json:"linked_entity_id,omitempty"`
}

// StopSliceRequest is the payload for the stop endpoints.
type StopSliceRequest struct {
	Dimension string     `json:"dimension"`
	Category  *string    `json:"category,omitempty"`
	EndAt     *time.Time `json:"end_at,omitempty"`
}

// UpdateSliceRequest is the payload for PATCH /v1/slices/{id}.
type UpdateSliceRequest struct {
	Category       *string    `json:"category,omitempty"`
	Source         *string    `json:"source,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	ClearEnd       bool       `json:"clear_end,omitempty"`
	Locked         *bool      `json:"locked,omitempty"`
	LinkedEntityID *string    `json:"linked_entity_id,omitempty"`
}

// SliceView exposes full details about an interval.
type SliceView struct {
	ID             string     `json:"id"`
	Category       string     `json:"category"`
	Dimension      string     `json:"dimension"`
	Source         string     `json:"source"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Locked         bool       `json:"locked"`
	LinkedEntityID *string    `json:"linked_entity_id,omitempty"`
	ExternalRef    *string    `json:"external_ref,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StartSliceResponse reports the interval and whether it was reused.
type StartSliceResponse struct {
	Slice  SliceView `json:"slice"`
	Reused bool      `json:"reused"`
}

// StopIfExistsResponse reports whether anything was stopped.
type StopIfExistsResponse struct {
	Stopped bool       `json:"stopped"`
	Slice   *SliceView `json:"slice,omitempty"`
}

// DimensionStateView is one lane of the snapshot.
type DimensionStateView struct {
	IntervalID string    `json:"interval_id"`
	Category   string    `json:"category"`
	StartedAt  time.Time `json:"started_at"`
}

// StateResponse is the fixed-shape snapshot of all four dimensions.
type StateResponse struct {
	Primary  *DimensionStateView `json:"primary"`
	WorkMode *DimensionStateView `json:"work_mode"`
	Social   *DimensionStateView `json:"social"`
	Segment  *DimensionStateView `json:"segment"`
}

// ListSlicesResponse packages list results.
type ListSlicesResponse struct {
	Items      []SliceView `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

func toSliceView(interval domain.TimeInterval) SliceView {
	return SliceView{
		ID:             interval.ID,
		Category:       interval.Category,
		Dimension:      string(interval.Dimension),
		Source:         string(interval.Source),
		StartedAt:      interval.StartedAt,
		EndedAt:        interval.EndedAt,
		Locked:         interval.Locked,
		LinkedEntityID: interval.LinkedEntityID,
		ExternalRef:    interval.ExternalRef,
		CreatedAt:      interval.CreatedAt,
		UpdatedAt:      interval.UpdatedAt,
	}
}

func toStateView(state *domain.DimensionState) *DimensionStateView {
	if state == nil {
		return nil
	}
	return &DimensionStateView{
		IntervalID: state.IntervalID,
		Category:   state.Category,
		StartedAt:  state.StartedAt,
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrIntervalNotFound):
		writeError(w, http.StatusNotFound, "not_found", "time interval not found")
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, "validation_failed", validationErr.Error())
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
