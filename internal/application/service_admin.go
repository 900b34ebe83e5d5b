package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

const adminRole = "admin"

// ValidateAdminToken accepts only signed tokens carrying the admin role.
func (s *Service) ValidateAdminToken(raw string) (ports.AdminClaims, error) {
	if s.admin == nil || strings.TrimSpace(raw) == "" {
		return ports.AdminClaims{}, domain.ErrUnauthorized
	}
	claims, err := s.admin.ParseAndValidate(raw)
	if err != nil {
		return ports.AdminClaims{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if claims.Role != adminRole {
		return ports.AdminClaims{}, fmt.Errorf("%w: role %q may not administer licenses", domain.ErrUnauthorized, claims.Role)
	}
	return claims, nil
}

// IssueCode creates an activation code. Without an explicit code one of the form
// PREFIX-XXXX-XXXX is generated, retrying on the rare collision.
func (s *Service) IssueCode(ctx context.Context, req IssueCodeRequest) (domain.LicenseCode, error) {
	codeType := domain.CodeType(strings.ToLower(strings.TrimSpace(req.CodeType)))
	if codeType == "" {
		codeType = domain.CodeTypeStandard
	}
	if !codeType.Valid() {
		return domain.LicenseCode{}, fmt.Errorf("%w: unknown codeType %q", domain.ErrInvalidRequest, req.CodeType)
	}
	if req.TotalQuota <= 0 {
		return domain.LicenseCode{}, fmt.Errorf("%w: totalQuota must be positive", domain.ErrInvalidRequest)
	}
	if req.MaxDevices < 1 {
		return domain.LicenseCode{}, fmt.Errorf("%w: maxDevices must be at least 1", domain.ErrInvalidRequest)
	}
	now := s.nowFn()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return domain.LicenseCode{}, fmt.Errorf("%w: expiresAt must be in the future", domain.ErrInvalidRequest)
	}

	explicit := domain.NormalizeCode(req.Code)
	for attempt := 0; attempt < 5; attempt++ {
		code := explicit
		if code == "" {
			code = s.generateCode()
		}
		created, err := s.licenses.CreateCode(ctx, domain.LicenseCode{
			Code:       code,
			CodeType:   codeType,
			TotalQuota: req.TotalQuota,
			MaxDevices: req.MaxDevices,
			IsEnabled:  true,
			ExpiresAt:  req.ExpiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
		if err == nil {
			s.logger.InfoContext(ctx, "license code issued",
				"operation", "issue_code",
				"outcome", "success",
				"code_type", string(codeType),
				"total_quota", req.TotalQuota,
				"max_devices", req.MaxDevices,
			)
			return created, nil
		}
		if !errors.Is(err, domain.ErrConflict) || explicit != "" {
			return domain.LicenseCode{}, err
		}
	}
	return domain.LicenseCode{}, fmt.Errorf("%w: could not allocate a unique code", domain.ErrConflict)
}

func (s *Service) generateCode() string {
	raw := randomBase32(5)
	return fmt.Sprintf("%s-%s-%s", s.cfg.CodePrefix, raw[:4], raw[4:8])
}

// SetCodeEnabled disables or re-enables a code. Bindings and quota are kept either way.
func (s *Service) SetCodeEnabled(ctx context.Context, code string, enabled bool) (domain.LicenseCode, error) {
	code = domain.NormalizeCode(code)
	if code == "" {
		return domain.LicenseCode{}, fmt.Errorf("%w: code is required", domain.ErrInvalidRequest)
	}
	lic, err := s.licenses.SetEnabled(ctx, code, enabled, s.nowFn())
	if err != nil {
		return domain.LicenseCode{}, err
	}
	s.logger.InfoContext(ctx, "license code toggled",
		"operation", "set_code_enabled",
		"outcome", "success",
		"enabled", enabled,
	)
	return lic, nil
}
