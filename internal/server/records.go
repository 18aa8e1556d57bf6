package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/livesync/internal/feed"
	"github.com/desertthunder/livesync/internal/models"
	"github.com/desertthunder/livesync/internal/shared"
)

// maxBodySize bounds row payloads.
const maxBodySize = 1 << 20

// RecordStore is the row storage behind [RecordsHandler].
type RecordStore interface {
	feed.Snapshotter
	Create(ctx context.Context, table string, row models.Row) (models.Row, error)
	Get(ctx context.Context, table, id string) (models.Row, error)
	Update(ctx context.Context, table, id string, patch models.Row) (models.Row, error)
	Delete(ctx context.Context, table, id string) error
}

// RecordsHandler serves table snapshots and row writes under /rest/v1.
type RecordsHandler struct {
	store  RecordStore
	logger *log.Logger
	mux    *http.ServeMux
}

// NewRecordsHandler creates a handler over store.
func NewRecordsHandler(store RecordStore, logger *log.Logger) *RecordsHandler {
	h := &RecordsHandler{store: store, logger: logger, mux: http.NewServeMux()}
	h.mux.HandleFunc("GET /rest/v1/{table}", h.snapshot)
	h.mux.HandleFunc("POST /rest/v1/{table}", h.create)
	h.mux.HandleFunc("GET /rest/v1/{table}/{id}", h.get)
	h.mux.HandleFunc("PATCH /rest/v1/{table}/{id}", h.update)
	h.mux.HandleFunc("DELETE /rest/v1/{table}/{id}", h.delete)
	return h
}

// Routes returns the HTTP routes this handler serves.
func (h *RecordsHandler) Routes() []string {
	return []string{
		"GET /rest/v1/{table}",
		"POST /rest/v1/{table}",
		"GET /rest/v1/{table}/{id}",
		"PATCH /rest/v1/{table}/{id}",
		"DELETE /rest/v1/{table}/{id}",
	}
}

func (h *RecordsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// snapshot answers GET /rest/v1/{table}?school_id=A&order=starts_at.desc.
func (h *RecordsHandler) snapshot(w http.ResponseWriter, r *http.Request) {
	order, err := models.ParseOrderBy(r.URL.Query().Get("order"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := models.Query{
		Table:    r.PathValue("table"),
		SchoolID: r.URL.Query().Get("school_id"),
		OrderBy:  order,
	}

	snap, err := h.store.Snapshot(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if snap.Rows == nil {
		snap.Rows = []models.Row{}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *RecordsHandler) get(w http.ResponseWriter, r *http.Request) {
	row, err := h.store.Get(r.Context(), r.PathValue("table"), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *RecordsHandler) create(w http.ResponseWriter, r *http.Request) {
	row, ok := h.decodeRow(w, r)
	if !ok {
		return
	}

	created, err := h.store.Create(r.Context(), r.PathValue("table"), row)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *RecordsHandler) update(w http.ResponseWriter, r *http.Request) {
	patch, ok := h.decodeRow(w, r)
	if !ok {
		return
	}

	updated, err := h.store.Update(r.Context(), r.PathValue("table"), r.PathValue("id"), patch)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *RecordsHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("table"), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *RecordsHandler) decodeRow(w http.ResponseWriter, r *http.Request) (models.Row, bool) {
	var row models.Row
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&row); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return nil, false
	}
	if row == nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object")
		return nil, false
	}
	return row, true
}

// fail maps store errors to statuses.
func (h *RecordsHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shared.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, shared.ErrRecordExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, shared.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
