package boardstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/boardsync/record"
)

// Routes mounts the REST API of s on r:
//
//	GET    /boards/{board}/snapshots?since=
//	GET    /boards/{board}/max-updated
//	GET    /boards/{board}/pages
//	GET    /boards/{board}/pages/{page}/snapshot
//	PUT    /boards/{board}/pages/{page}/snapshot
//	GET    /boards/{board}/pages/{page}/functions
//	PUT    /boards/{board}/pages/{page}/functions/{fn}
//	DELETE /boards/{board}/pages/{page}/functions/{fn}?at=
func Routes(r chi.Router, s Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{store: s, logger: logger}
	r.Route("/boards/{board}", func(r chi.Router) {
		r.Get("/snapshots", h.listSnapshots)
		r.Get("/max-updated", h.maxUpdated)
		r.Get("/pages", h.listPages)
		r.Get("/pages/{page}/snapshot", h.loadSnapshot)
		r.Put("/pages/{page}/snapshot", h.saveSnapshot)
		r.Get("/pages/{page}/functions", h.listFunctions)
		r.Put("/pages/{page}/functions/{fn}", h.upsertFunction)
		r.Delete("/pages/{page}/functions/{fn}", h.deleteFunction)
	})
}

type handler struct {
	store  Store
	logger *slog.Logger
}

func (h *handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	since := queryInt64(r, "since", 0)
	out, err := h.store.ListSnapshots(r.Context(), chi.URLParam(r, "board"), since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []PageSnapshot{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) maxUpdated(w http.ResponseWriter, r *http.Request) {
	v, err := h.store.MaxUpdatedAt(r.Context(), chi.URLParam(r, "board"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated_at": v})
}

func (h *handler) listPages(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListPages(r.Context(), chi.URLParam(r, "board"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []PageVersion{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	ps, err := h.store.LoadSnapshot(r.Context(), chi.URLParam(r, "board"), chi.URLParam(r, "page"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *handler) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	var ps PageSnapshot
	if err := json.NewDecoder(r.Body).Decode(&ps); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode snapshot: %w", err))
		return
	}
	ps.BoardID = chi.URLParam(r, "board")
	ps.PageID = chi.URLParam(r, "page")
	at, err := h.store.SaveSnapshot(r.Context(), ps)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated_at": at})
}

func (h *handler) listFunctions(w http.ResponseWriter, r *http.Request) {
	out, err := h.store.ListFunctions(r.Context(), chi.URLParam(r, "board"), chi.URLParam(r, "page"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out == nil {
		out = []record.FunctionDefinition{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) upsertFunction(w http.ResponseWriter, r *http.Request) {
	var fn record.FunctionDefinition
	if err := json.NewDecoder(r.Body).Decode(&fn); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode function: %w", err))
		return
	}
	fn.BoardID = chi.URLParam(r, "board")
	fn.PageID = chi.URLParam(r, "page")
	fn.FunctionID = chi.URLParam(r, "fn")
	if err := fn.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.UpsertFunction(r.Context(), fn); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) deleteFunction(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteFunction(r.Context(),
		chi.URLParam(r, "board"), chi.URLParam(r, "page"), chi.URLParam(r, "fn"),
		queryInt64(r, "at", 0))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.logger.WarnContext(r.Context(), "boardstore: request failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt64(r *http.Request, key string, def int64) int64 {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}
