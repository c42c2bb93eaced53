package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/luawatch/internal/api/response"
	"github.com/kiranshivaraju/luawatch/internal/export"
	"github.com/kiranshivaraju/luawatch/internal/store"
	"github.com/kiranshivaraju/luawatch/pkg/models"
)

const maxNotesBytes = 4000

// Records serves the error record endpoints.
type Records struct {
	store store.Store
	now   func() time.Time
}

// NewRecords creates the record handlers.
func NewRecords(s store.Store) *Records {
	return &Records{store: s, now: time.Now}
}

// List handles GET /api/v1/records.
func (h *Records) List(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r, h.now())
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	records, total, err := h.store.List(r.Context(), filter)
	if err != nil {
		internalError(w, "listing records", err)
		return
	}

	page, limit := filter.PageLimit()
	response.Collection(w, records, response.NewPaginationMeta(page, limit, total))
}

// Get handles GET /api/v1/records/{id}.
func (h *Records) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, "getting record", err)
		return
	}
	response.JSON(w, rec)
}

// Resolve handles POST /api/v1/records/{id}/resolve.
func (h *Records) Resolve(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.store.MarkResolved(r.Context(), id); err != nil {
		storeError(w, "resolving record", err)
		return
	}
	h.respondRecord(w, r, id)
}

// Close handles POST /api/v1/records/{id}/close with an optional {"notes": "..."} body.
func (h *Records) Close(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}

	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}
	if len(req.Notes) > maxNotesBytes {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			fmt.Sprintf("notes must be at most %d bytes", maxNotesBytes), nil)
		return
	}

	if err := h.store.MarkClosed(r.Context(), id, strings.TrimSpace(req.Notes)); err != nil {
		storeError(w, "closing record", err)
		return
	}
	h.respondRecord(w, r, id)
}

// Reopen handles POST /api/v1/records/{id}/reopen.
func (h *Records) Reopen(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.store.Reopen(r.Context(), id); err != nil {
		storeError(w, "reopening record", err)
		return
	}
	h.respondRecord(w, r, id)
}

// Clear handles DELETE /api/v1/records, optionally scoped by ?server_id=.
func (h *Records) Clear(w http.ResponseWriter, r *http.Request) {
	serverID := r.URL.Query().Get("server_id")
	n, err := h.store.ClearAll(r.Context(), serverID)
	if err != nil {
		internalError(w, "clearing records", err)
		return
	}
	slog.Info("records cleared", "server_id", serverID, "deleted", n)
	response.JSON(w, map[string]int64{"deleted": n})
}

// Export handles GET /api/v1/records/export?format=json|csv|text. It accepts
// the same filters as List but returns every matching record.
func (h *Records) Export(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}
	now := h.now()
	filter, err := ParseFilter(r, now)
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
		return
	}

	records, err := store.CollectAll(r.Context(), h.store, filter)
	if err != nil {
		internalError(w, "exporting records", err)
		return
	}

	body, err := export.Render(format, records, now)
	if err != nil {
		internalError(w, "rendering export", err)
		return
	}

	filename := fmt.Sprintf("lua-errors-%s.%s", now.UTC().Format("20060102-150405"), format.Extension())
	response.Attachment(w, format.ContentType(), filename, body)
}

func (h *Records) respondRecord(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		storeError(w, "reloading record", err)
		return
	}
	response.JSON(w, rec)
}

// ParseFilter reads list filters from the query string. since accepts an
// RFC3339 timestamp or a duration such as 24h, relative to now.
func ParseFilter(r *http.Request, now time.Time) (store.RecordFilter, error) {
	q := r.URL.Query()
	f := store.RecordFilter{
		ServerID: q.Get("server_id"),
		Level:    q.Get("level"),
		Status:   q.Get("status"),
		Search:   strings.TrimSpace(q.Get("q")),
	}

	if f.Level != "" && !models.ValidLevel(f.Level) {
		return f, fmt.Errorf("unknown level %q", f.Level)
	}
	if f.Status != "" && !models.ValidStatus(f.Status) {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}

	if s := q.Get("since"); s != "" {
		since, err := parseSince(s, now)
		if err != nil {
			return f, err
		}
		f.Since = since
	}

	var err error
	if f.Page, err = queryInt(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(q.Get("limit"), "limit"); err != nil {
		return f, err
	}
	return f, nil
}

func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("since must be an RFC3339 timestamp or a positive duration")
	}
	return now.Add(-d), nil
}

func queryInt(s, name string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func recordID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_RECORD_ID", "Invalid record ID format", nil)
		return uuid.Nil, false
	}
	return id, true
}

func storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "RECORD_NOT_FOUND", "Record not found", nil)
	case errors.Is(err, store.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	default:
		internalError(w, op, err)
	}
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error(op, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred", nil)
}
