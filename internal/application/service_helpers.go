package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/gateway"
	"github.com/zhiquai/aigrading/internal/ports"
)

// hashRequest computes a deterministic request fingerprint for idempotency conflict detection.
func hashRequest(req any) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// randomBase32 returns a random base32 string suitable for human entry.
func randomBase32(bytesLen int) string {
	raw := make([]byte, bytesLen)
	_, _ = rand.Read(raw)
	return strings.TrimRight(base32.StdEncoding.EncodeToString(raw), "=")
}

// replay looks up a committed first execution. A nil reply means no record exists.
func (s *Service) replay(ctx context.Context, scopeKey, endpoint, key, requestHash string) (*Reply, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := s.idempotency.Get(ctx, scopeKey, endpoint, key, s.nowFn())
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		return nil, fmt.Errorf("%w: key already used with a different request", domain.ErrIdempotencyConflict)
	}
	s.logger.InfoContext(ctx, "idempotent replay",
		"operation", endpoint,
		"outcome", "replayed",
		"scope_key", scopeKey,
	)
	return &Reply{StatusCode: rec.ResponseCode, Body: rec.ResponseBody, Replayed: true}, nil
}

// concurrentReplay turns a lost same-key race into the winner's stored reply.
func (s *Service) concurrentReplay(ctx context.Context, endpoint, scopeKey string, err error) (*Reply, bool) {
	var dup *ports.DuplicateRequestError
	if !errors.As(err, &dup) {
		return nil, false
	}
	s.logger.InfoContext(ctx, "idempotent replay after concurrent commit",
		"operation", endpoint,
		"outcome", "replayed",
		"scope_key", scopeKey,
	)
	return &Reply{StatusCode: dup.Response.StatusCode, Body: dup.Response.Body, Replayed: true}, true
}

func (s *Service) ledgerEntry(scopeKey, endpoint, key, requestHash string) *ports.IdempotencyEntry {
	if key == "" {
		return nil
	}
	return &ports.IdempotencyEntry{
		ScopeKey:    scopeKey,
		Endpoint:    endpoint,
		Key:         key,
		RequestHash: requestHash,
		ExpiresAt:   s.nowFn().Add(s.cfg.IdempotencyTTL),
	}
}

func render(statusCode int, payload any) (ports.StoredResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ports.StoredResponse{}, fmt.Errorf("render response: %w", err)
	}
	return ports.StoredResponse{StatusCode: statusCode, Body: body}, nil
}

// decodeImage accepts raw base64 or a data URL and sniffs the MIME type.
func decodeImage(raw string, maxBytes int) (gateway.Image, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return gateway.Image{}, fmt.Errorf("%w: imageBase64 is required", domain.ErrInvalidRequest)
	}
	declared := ""
	if strings.HasPrefix(raw, "data:") {
		comma := strings.Index(raw, ",")
		if comma < 0 {
			return gateway.Image{}, fmt.Errorf("%w: malformed data url", domain.ErrInvalidRequest)
		}
		meta := raw[len("data:"):comma]
		if semi := strings.Index(meta, ";"); semi >= 0 {
			declared = meta[:semi]
		}
		raw = raw[comma+1:]
	}
	raw = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, raw)

	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(raw, "="))
	}
	if err != nil {
		return gateway.Image{}, fmt.Errorf("%w: imageBase64 is not valid base64", domain.ErrInvalidRequest)
	}
	if len(data) == 0 {
		return gateway.Image{}, fmt.Errorf("%w: image is empty", domain.ErrInvalidRequest)
	}
	if maxBytes > 0 && len(data) > maxBytes {
		return gateway.Image{}, fmt.Errorf("%w: image exceeds %d bytes", domain.ErrInvalidRequest, maxBytes)
	}

	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		mime = declared
	}
	if !strings.HasPrefix(mime, "image/") {
		return gateway.Image{}, fmt.Errorf("%w: payload is not an image", domain.ErrInvalidRequest)
	}
	return gateway.Image{Data: data, MIMEType: mime}, nil
}

// enforceRateLimit fails open when the limiter backend is unavailable; quota still gates billing.
func (s *Service) enforceRateLimit(ctx context.Context, scopeKey string) error {
	if s.limiter == nil || s.cfg.RateLimitPerWindow <= 0 || s.cfg.RateLimitWindow <= 0 {
		return nil
	}
	decision, err := s.limiter.Allow(ctx, "grading:"+scopeKey, s.cfg.RateLimitPerWindow, s.cfg.RateLimitWindow, s.nowFn())
	if err != nil {
		s.logger.WarnContext(ctx, "rate-limit state unavailable",
			"operation", "rate_limit",
			"outcome", "warning",
			"scope_key", scopeKey,
			"error", err,
		)
		return nil
	}
	if !decision.Allowed {
		return domain.ErrRateLimited
	}
	return nil
}
