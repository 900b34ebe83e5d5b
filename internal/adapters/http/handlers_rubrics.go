package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhiquai/aigrading/internal/application"
)

func (h *Handler) listRubrics(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.ListRubrics(r.Context(), h.identity(r))
	if err != nil {
		writeMappedError(r.Context(), w, "list_rubrics", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) getRubric(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetRubric(r.Context(), h.identity(r), chi.URLParam(r, "questionKey"))
	if err != nil {
		writeMappedError(r.Context(), w, "get_rubric", err)
		return
	}
	writeSuccess(w, http.StatusOK, item)
}

func (h *Handler) putRubric(w http.ResponseWriter, r *http.Request) {
	raw, err := readRawJSON(w, r)
	if err != nil {
		writeMappedError(r.Context(), w, "put_rubric", err)
		return
	}
	item, err := h.service.PutRubric(r.Context(), h.identity(r), chi.URLParam(r, "questionKey"), raw)
	if err != nil {
		writeMappedError(r.Context(), w, "put_rubric", err)
		return
	}
	writeSuccess(w, http.StatusOK, item)
}

func (h *Handler) deleteRubric(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRubric(r.Context(), h.identity(r), chi.URLParam(r, "questionKey")); err != nil {
		writeMappedError(r.Context(), w, "delete_rubric", err)
		return
	}
	writeMessage(w, http.StatusOK, "rubric deleted")
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	q := application.RecordsQuery{
		Limit:  parseIntDefault(r.URL.Query().Get("limit"), 0),
		Offset: parseIntDefault(r.URL.Query().Get("offset"), 0),
	}
	items, err := h.service.ListRecords(r.Context(), h.identity(r), q)
	if err != nil {
		writeMappedError(r.Context(), w, "list_records", err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"items": items})
}

func (h *Handler) deleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteRecord(r.Context(), h.identity(r), chi.URLParam(r, "recordId")); err != nil {
		writeMappedError(r.Context(), w, "delete_record", err)
		return
	}
	writeMessage(w, http.StatusOK, "record deleted")
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.service.GetSettings(r.Context(), h.identity(r))
	if err != nil {
		writeMappedError(r.Context(), w, "get_settings", err)
		return
	}
	writeSuccess(w, http.StatusOK, settings)
}

func (h *Handler) putSettings(w http.ResponseWriter, r *http.Request) {
	var req application.SettingsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMappedError(r.Context(), w, "put_settings", err)
		return
	}
	settings, err := h.service.PutSettings(r.Context(), h.identity(r), req)
	if err != nil {
		writeMappedError(r.Context(), w, "put_settings", err)
		return
	}
	writeSuccess(w, http.StatusOK, settings)
}
