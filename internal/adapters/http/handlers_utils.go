package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zhiquai/aigrading/internal/application"
	"github.com/zhiquai/aigrading/internal/domain"
)

const (
	maxBodyBytes          = 16 << 20
	headerActivationCode  = "X-Activation-Code"
	headerDeviceID        = "X-Device-Id"
	headerIdempotencyKey  = "Idempotency-Key"
	headerReplayed        = "Idempotent-Replayed"
	maxIdempotencyKeySize = 200
)

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body must contain a single JSON value", domain.ErrInvalidRequest)
	}
	return nil
}

// readRawJSON reads a body kept as opaque JSON, such as a rubric whose unknown fields are tolerated.
func readRawJSON(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: body is not valid JSON", domain.ErrInvalidRequest)
	}
	return raw, nil
}

func parseIntDefault(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func readIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (h *Handler) identity(r *http.Request) domain.ScopeIdentity {
	return h.service.ResolveIdentity(domain.Credentials{
		ActivationCode: r.Header.Get(headerActivationCode),
		DeviceID:       r.Header.Get(headerDeviceID),
		AnonSeed:       domain.AnonSeed(readIP(r), r.UserAgent()),
	})
}

func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	if len(key) > maxIdempotencyKeySize {
		return "", fmt.Errorf("%w: Idempotency-Key is too long", domain.ErrInvalidRequest)
	}
	return key, nil
}

// writeReply emits a response rendered by the application layer, byte for byte.
func writeReply(w http.ResponseWriter, reply application.Reply) {
	if reply.Replayed {
		w.Header().Set(headerReplayed, "true")
	}
	writeSuccess(w, reply.StatusCode, reply.Body)
}

func writeMappedError(ctx context.Context, w http.ResponseWriter, operation string, err error) {
	writeMapped(ctx, w, operation, mapDomainError(err), err)
}

func writeMapped(ctx context.Context, w http.ResponseWriter, operation string, m mappedError, err error) {
	logHTTPOperationError(ctx, operation, m.status, m.code, m.message, err)
	writeError(w, m.status, m.code, m.message, m.details)
}
