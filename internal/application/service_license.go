package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

// ResolveIdentity derives the request scope from raw credentials.
func (s *Service) ResolveIdentity(creds domain.Credentials) domain.ScopeIdentity {
	return domain.ResolveScope(creds)
}

// GetStatus reports the license state of an identity. Activation lookups come first;
// a device-only identity resolves through its existing binding, else its free-tier scope.
func (s *Service) GetStatus(ctx context.Context, identity domain.ScopeIdentity) (StatusResponse, error) {
	switch identity.ScopeType {
	case domain.ScopeActivation:
		status, _, err := s.activationStatus(ctx, identity.ActivationCode, identity.DeviceID)
		return status, err
	case domain.ScopeDevice:
		binding, err := s.licenses.FindBindingByDevice(ctx, identity.DeviceID)
		switch {
		case err == nil:
			status, _, err := s.activationStatus(ctx, binding.Code, identity.DeviceID)
			return status, err
		case !errors.Is(err, domain.ErrNotFound):
			return StatusResponse{}, fmt.Errorf("find device binding: %w", err)
		}
		resp := StatusResponse{
			Status:    domain.LicenseUnactivated,
			ScopeKey:  identity.ScopeKey,
			ScopeType: domain.ScopeDevice,
		}
		remaining, err := s.deviceRemaining(ctx, identity.ScopeKey)
		if err != nil {
			return StatusResponse{}, err
		}
		resp.RemainingQuota = &remaining
		return resp, nil
	default:
		return StatusResponse{
			Status:    domain.LicenseUnactivated,
			ScopeKey:  identity.ScopeKey,
			ScopeType: domain.ScopeAnonymous,
		}, nil
	}
}

func (s *Service) activationStatus(ctx context.Context, code, deviceID string) (StatusResponse, domain.LicenseCode, error) {
	scopeKey := domain.ActivationScopeKey(code)
	resp := StatusResponse{ScopeKey: scopeKey, ScopeType: domain.ScopeActivation}

	lic, err := s.licenses.GetCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			resp.Status = domain.LicenseInvalid
			return resp, domain.LicenseCode{}, nil
		}
		return StatusResponse{}, domain.LicenseCode{}, fmt.Errorf("load license: %w", err)
	}
	resp.CodeType = string(lic.CodeType)
	resp.ExpiresAt = lic.ExpiresAt
	maxDevices := lic.MaxDevices
	resp.MaxDevices = &maxDevices

	bound, err := s.licenses.CountBindings(ctx, lic.Code)
	if err != nil {
		return StatusResponse{}, domain.LicenseCode{}, fmt.Errorf("count bindings: %w", err)
	}
	resp.BoundDevices = &bound

	if q, err := s.quotas.Get(ctx, scopeKey); err == nil {
		remaining := q.Remaining
		resp.RemainingQuota = &remaining
	} else if !errors.Is(err, domain.ErrNotFound) {
		return StatusResponse{}, domain.LicenseCode{}, fmt.Errorf("load quota: %w", err)
	}

	switch usable := lic.CheckUsable(s.nowFn()); {
	case errors.Is(usable, domain.ErrLicenseDisabled):
		resp.Status = domain.LicenseDisabled
		return resp, lic, nil
	case errors.Is(usable, domain.ErrLicenseExpired):
		resp.Status = domain.LicenseExpired
		return resp, lic, nil
	}

	if deviceID == "" {
		resp.Status = domain.LicenseUnactivated
		return resp, lic, nil
	}
	if _, err := s.licenses.GetBinding(ctx, lic.Code, deviceID); err == nil {
		resp.Status = domain.LicenseActive
		return resp, lic, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return StatusResponse{}, domain.LicenseCode{}, fmt.Errorf("load binding: %w", err)
	}
	if bound >= lic.MaxDevices {
		resp.Status = domain.LicenseDeviceLimitReached
	} else {
		resp.Status = domain.LicenseUnactivated
	}
	return resp, lic, nil
}

// deviceRemaining reports the free-tier balance without creating a row.
func (s *Service) deviceRemaining(ctx context.Context, scopeKey string) (int64, error) {
	q, err := s.quotas.Get(ctx, scopeKey)
	if err == nil {
		return q.Remaining, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return s.cfg.DeviceFreeQuota, nil
	}
	return 0, fmt.Errorf("load device quota: %w", err)
}

// Activate binds a device to a code. The first bind answers 201, an existing bind 200;
// a retried Idempotency-Key replays the stored response verbatim.
func (s *Service) Activate(ctx context.Context, req ActivateRequest, idempotencyKey string) (Reply, error) {
	code := domain.NormalizeCode(req.ActivationCode)
	deviceID := domain.NormalizeDeviceID(req.DeviceID)
	if code == "" || deviceID == "" {
		return Reply{}, fmt.Errorf("%w: activationCode and deviceId are required", domain.ErrInvalidRequest)
	}
	normalized := ActivateRequest{ActivationCode: code, DeviceID: deviceID}
	requestHash := hashRequest(normalized)
	deviceScope := domain.DeviceScopeKey(deviceID)

	if replayed, err := s.replay(ctx, deviceScope, endpointActivate, idempotencyKey, requestHash); err != nil || replayed != nil {
		if err != nil {
			return Reply{}, err
		}
		return *replayed, nil
	}

	now := s.nowFn()
	scopeKey := domain.ActivationScopeKey(code)
	payload, _ := json.Marshal(map[string]any{
		"code":         code,
		"device_id":    deviceID,
		"scope_key":    scopeKey,
		"activated_at": now,
	})

	outcome, stored, err := s.licenses.Activate(ctx, ports.ActivateTxParams{
		Code:     code,
		DeviceID: deviceID,
		Now:      now,
		Event: &ports.OutboxEvent{
			EventID:      uuid.New(),
			EventType:    "license.activated",
			PartitionKey: scopeKey,
			Payload:      payload,
			OccurredAt:   now,
		},
		Idempotency: s.ledgerEntry(deviceScope, endpointActivate, idempotencyKey, requestHash),
	}, func(o ports.ActivationOutcome) (ports.StoredResponse, error) {
		status := http.StatusCreated
		if o.AlreadyBound {
			status = http.StatusOK
		}
		return render(status, ActivateResponse{
			Activated:      true,
			AlreadyBound:   o.AlreadyBound,
			RemainingQuota: o.Remaining,
			MaxDevices:     o.License.MaxDevices,
			ScopeKey:       scopeKey,
			CodeType:       string(o.License.CodeType),
			ExpiresAt:      o.License.ExpiresAt,
		})
	})
	if reply, ok := s.concurrentReplay(ctx, endpointActivate, deviceScope, err); ok {
		return *reply, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "activation rejected",
			"operation", endpointActivate,
			"outcome", "failure",
			"scope_key", scopeKey,
			"error", err,
		)
		return Reply{}, err
	}

	s.logger.InfoContext(ctx, "activation completed",
		"operation", endpointActivate,
		"outcome", "success",
		"scope_key", scopeKey,
		"already_bound", outcome.AlreadyBound,
		"remaining", outcome.Remaining,
	)
	return Reply{StatusCode: stored.StatusCode, Body: stored.Body}, nil
}

// Consume atomically charges amount against a scope's pool.
func (s *Service) Consume(ctx context.Context, scopeKey string, amount int64) (QuotaAdjustResponse, error) {
	if scopeKey == "" || amount <= 0 {
		return QuotaAdjustResponse{}, fmt.Errorf("%w: scopeKey and a positive amount are required", domain.ErrInvalidRequest)
	}
	res, err := s.quotas.Consume(ctx, scopeKey, amount, s.nowFn())
	if err != nil {
		return QuotaAdjustResponse{}, err
	}
	if res.TrialExpired {
		s.logger.InfoContext(ctx, "trial code exhausted and expired",
			"operation", "consume_quota",
			"outcome", "trial_expired",
			"scope_key", scopeKey,
		)
	}
	return QuotaAdjustResponse{ScopeKey: scopeKey, Remaining: res.Remaining, TrialExpired: res.TrialExpired}, nil
}

// Refund atomically returns amount to a scope's pool.
func (s *Service) Refund(ctx context.Context, scopeKey string, amount int64) (QuotaAdjustResponse, error) {
	if scopeKey == "" || amount <= 0 {
		return QuotaAdjustResponse{}, fmt.Errorf("%w: scopeKey and a positive amount are required", domain.ErrInvalidRequest)
	}
	remaining, err := s.quotas.Refund(ctx, scopeKey, amount, s.nowFn())
	if err != nil {
		return QuotaAdjustResponse{}, err
	}
	return QuotaAdjustResponse{ScopeKey: scopeKey, Remaining: remaining}, nil
}

// effectiveIdentity upgrades a bound device to the shared activation scope it belongs to.
func (s *Service) effectiveIdentity(ctx context.Context, identity domain.ScopeIdentity) (domain.ScopeIdentity, error) {
	if identity.ScopeType != domain.ScopeDevice {
		return identity, nil
	}
	binding, err := s.licenses.FindBindingByDevice(ctx, identity.DeviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return identity, nil
		}
		return domain.ScopeIdentity{}, fmt.Errorf("find device binding: %w", err)
	}
	return domain.ResolveScope(domain.Credentials{ActivationCode: binding.Code, DeviceID: identity.DeviceID}), nil
}

// authorizeGrading fails closed: anything other than an active binding or a funded
// device free tier is refused.
func (s *Service) authorizeGrading(ctx context.Context, identity domain.ScopeIdentity) error {
	switch identity.ScopeType {
	case domain.ScopeActivation:
		status, _, err := s.activationStatus(ctx, identity.ActivationCode, identity.DeviceID)
		if err != nil {
			return err
		}
		switch status.Status {
		case domain.LicenseActive:
			return nil
		case domain.LicenseInvalid:
			return domain.ErrLicenseInvalid
		case domain.LicenseDisabled:
			return domain.ErrLicenseDisabled
		case domain.LicenseExpired:
			return domain.ErrLicenseExpired
		default:
			return fmt.Errorf("%w: device is not bound to this activation code", domain.ErrLicenseNotActive)
		}
	case domain.ScopeDevice:
		if s.cfg.DeviceFreeQuota <= 0 {
			if _, err := s.quotas.Get(ctx, identity.ScopeKey); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return fmt.Errorf("%w: activate a license to grade", domain.ErrQuotaInsufficient)
				}
				return fmt.Errorf("load device quota: %w", err)
			}
			return nil
		}
		if _, err := s.quotas.Ensure(ctx, identity.ScopeKey, s.cfg.DeviceFreeQuota, s.nowFn()); err != nil {
			return fmt.Errorf("ensure device quota: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: a device id or activation code is required", domain.ErrQuotaInsufficient)
	}
}
