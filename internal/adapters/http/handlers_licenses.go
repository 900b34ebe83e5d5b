package http

import (
	"net/http"

	"github.com/zhiquai/aigrading/internal/application"
)

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	var req application.ActivateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeMappedError(r.Context(), w, "activate", err)
		return
	}
	// Header credentials fill what the body leaves out.
	if req.ActivationCode == "" {
		req.ActivationCode = r.Header.Get(headerActivationCode)
	}
	if req.DeviceID == "" {
		req.DeviceID = r.Header.Get(headerDeviceID)
	}
	key, err := idempotencyKey(r)
	if err != nil {
		writeMappedError(r.Context(), w, "activate", err)
		return
	}
	reply, err := h.service.Activate(r.Context(), req, key)
	if err != nil {
		writeMappedError(r.Context(), w, "activate", err)
		return
	}
	writeReply(w, reply)
}

func (h *Handler) licenseStatus(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.GetStatus(r.Context(), h.identity(r))
	if err != nil {
		writeMappedError(r.Context(), w, "license_status", err)
		return
	}
	writeSuccess(w, http.StatusOK, res)
}
