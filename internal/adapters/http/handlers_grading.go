package http

import (
	"net/http"

	"github.com/zhiquai/aigrading/internal/application"
)

func (h *Handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req application.EvaluateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMappedError(r.Context(), w, "evaluate", err)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		writeMappedError(r.Context(), w, "evaluate", err)
		return
	}
	reply, err := h.service.Evaluate(r.Context(), h.identity(r), req, key)
	if err != nil {
		writeMapped(r.Context(), w, "evaluate", mapGradingError(err), err)
		return
	}
	writeReply(w, reply)
}
