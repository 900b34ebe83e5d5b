package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

type ctxKey string

const (
	ctxKeyRequestID   ctxKey = "request_id"
	ctxKeyAdminClaims ctxKey = "admin_claims"
)

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				httpLogger().ErrorContext(r.Context(), "panic recovered",
					"operation", "http_panic_recovery",
					"outcome", "failure",
					"request_id", requestIDFromContext(r.Context()),
					"method", r.Method,
					"path", r.URL.Path,
					"panic", rec,
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	bytes      int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(payload []byte) (int, error) {
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(payload)
	r.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		statusCode := recorder.statusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}
		outcome := "success"
		if statusCode >= 400 {
			outcome = "failure"
		}

		fields := []any{
			"operation", "http_request",
			"outcome", outcome,
			"method", r.Method,
			"path", r.URL.Path,
			"status_code", statusCode,
			"bytes", recorder.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFromContext(r.Context()),
		}
		switch {
		case statusCode >= 500:
			httpLogger().ErrorContext(r.Context(), "http request completed", fields...)
		case statusCode >= 400:
			httpLogger().WarnContext(r.Context(), "http request completed", fields...)
		default:
			httpLogger().InfoContext(r.Context(), "http request completed", fields...)
		}
	})
}

// adminMiddleware admits only bearer tokens that validate with role=admin.
func (h *Handler) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			writeMappedError(r.Context(), w, "admin_auth", domain.ErrUnauthorized)
			return
		}
		claims, err := h.service.ValidateAdminToken(token)
		if err != nil {
			writeMappedError(r.Context(), w, "admin_auth", err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyAdminClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	v := ctx.Value(ctxKeyRequestID)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func adminFromContext(ctx context.Context) (ports.AdminClaims, bool) {
	claims, ok := ctx.Value(ctxKeyAdminClaims).(ports.AdminClaims)
	return claims, ok
}

func bearerTokenFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer token")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

type mappedError struct {
	status  int
	code    string
	message string
	details any
}

func mapDomainError(err error) mappedError {
	var format *domain.RubricFormatError
	switch {
	case errors.As(err, &format):
		return mappedError{http.StatusUnprocessableEntity, "RUBRIC_FORMAT_INVALID", "rubric is structurally invalid",
			map[string]any{"violations": format.Violations}}
	case errors.Is(err, domain.ErrInvalidRequest):
		return mappedError{http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil}
	case errors.Is(err, domain.ErrQuotaInsufficient):
		return mappedError{http.StatusForbidden, "QUOTA_INSUFFICIENT", "quota insufficient", nil}
	case errors.Is(err, domain.ErrLicenseInvalid):
		return mappedError{http.StatusNotFound, "LICENSE_INVALID", "activation code not found", nil}
	case errors.Is(err, domain.ErrLicenseDisabled):
		return mappedError{http.StatusConflict, "LICENSE_DISABLED", "activation code is disabled", nil}
	case errors.Is(err, domain.ErrLicenseExpired):
		return mappedError{http.StatusConflict, "LICENSE_EXPIRED", "activation code has expired", nil}
	case errors.Is(err, domain.ErrDeviceLimitReached):
		return mappedError{http.StatusConflict, "DEVICE_LIMIT_REACHED", "activation code has no free device slots", nil}
	case errors.Is(err, domain.ErrLicenseNotActive):
		return mappedError{http.StatusForbidden, "LICENSE_NOT_ACTIVE", "device is not bound to this activation code", nil}
	case errors.Is(err, domain.ErrIdempotencyConflict):
		return mappedError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key reused with a different request", nil}
	case errors.Is(err, domain.ErrRubricConflict):
		return mappedError{http.StatusConflict, "RUBRIC_CONFLICT", "a newer rubric is already stored", nil}
	case errors.Is(err, domain.ErrConflict):
		return mappedError{http.StatusConflict, "CONFLICT", err.Error(), nil}
	case errors.Is(err, domain.ErrRateLimited):
		return mappedError{http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", nil}
	case errors.Is(err, domain.ErrUnauthorized):
		return mappedError{http.StatusUnauthorized, "UNAUTHORIZED", "invalid or missing credentials", nil}
	case errors.Is(err, domain.ErrNotFound):
		return mappedError{http.StatusNotFound, "NOT_FOUND", "resource not found", nil}
	default:
		return mappedError{http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error", nil}
	}
}

// mapGradingError refuses license states with 403 instead of the activation-time 409.
func mapGradingError(err error) mappedError {
	m := mapDomainError(err)
	if m.status == http.StatusConflict && m.code != "IDEMPOTENCY_CONFLICT" {
		m.status = http.StatusForbidden
	}
	return m
}
