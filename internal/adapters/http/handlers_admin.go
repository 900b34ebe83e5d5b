package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhiquai/aigrading/internal/application"
)

func (h *Handler) issueCode(w http.ResponseWriter, r *http.Request) {
	var req application.IssueCodeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMappedError(r.Context(), w, "issue_code", err)
		return
	}
	code, err := h.service.IssueCode(r.Context(), req)
	if err != nil {
		writeMappedError(r.Context(), w, "issue_code", err)
		return
	}
	if claims, ok := adminFromContext(r.Context()); ok {
		httpLogger().InfoContext(r.Context(), "activation code issued",
			"operation", "issue_code",
			"outcome", "success",
			"admin_subject", claims.Subject,
			"code_type", code.CodeType,
			"request_id", requestIDFromContext(r.Context()),
		)
	}
	writeSuccess(w, http.StatusCreated, code)
}

func (h *Handler) disableCode(w http.ResponseWriter, r *http.Request) {
	h.setCodeEnabled(w, r, false)
}

func (h *Handler) enableCode(w http.ResponseWriter, r *http.Request) {
	h.setCodeEnabled(w, r, true)
}

func (h *Handler) setCodeEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	code, err := h.service.SetCodeEnabled(r.Context(), chi.URLParam(r, "code"), enabled)
	if err != nil {
		writeMappedError(r.Context(), w, "set_code_enabled", err)
		return
	}
	writeSuccess(w, http.StatusOK, code)
}

func (h *Handler) refundQuota(w http.ResponseWriter, r *http.Request) {
	var req application.QuotaAdjustRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMappedError(r.Context(), w, "refund_quota", err)
		return
	}
	res, err := h.service.Refund(r.Context(), req.ScopeKey, req.Amount)
	if err != nil {
		writeMappedError(r.Context(), w, "refund_quota", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}
