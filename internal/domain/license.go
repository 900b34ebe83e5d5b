package domain

import "time"

type CodeType string

const (
	CodeTypeStandard CodeType = "standard"
	CodeTypeTrial    CodeType = "trial"
)

func (t CodeType) Valid() bool {
	return t == CodeTypeStandard || t == CodeTypeTrial
}

type LicenseStatus string

const (
	LicenseActive             LicenseStatus = "active"
	LicenseUnactivated        LicenseStatus = "unactivated"
	LicenseInvalid            LicenseStatus = "invalid"
	LicenseDisabled           LicenseStatus = "disabled"
	LicenseExpired            LicenseStatus = "expired"
	LicenseDeviceLimitReached LicenseStatus = "device_limit_reached"
)

// LicenseCode is an issued activation code. Only IsEnabled and ExpiresAt change after issuance.
type LicenseCode struct {
	Code       string     `json:"code"`
	CodeType   CodeType   `json:"codeType"`
	TotalQuota int64      `json:"totalQuota"`
	MaxDevices int        `json:"maxDevices"`
	IsEnabled  bool       `json:"isEnabled"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (l LicenseCode) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// CheckUsable reports why a code cannot be used right now. Disabled outranks expired.
func (l LicenseCode) CheckUsable(now time.Time) error {
	if !l.IsEnabled {
		return ErrLicenseDisabled
	}
	if l.IsExpired(now) {
		return ErrLicenseExpired
	}
	return nil
}

type LicenseBinding struct {
	Code      string    `json:"code"`
	DeviceID  string    `json:"deviceId"`
	ScopeKey  string    `json:"scopeKey"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScopeQuota is the remaining grading allowance of a scope. Remaining never goes negative.
type ScopeQuota struct {
	ScopeKey    string    `json:"scopeKey"`
	LicenseCode string    `json:"licenseCode,omitempty"`
	Remaining   int64     `json:"remaining"`
	UpdatedAt   time.Time `json:"updatedAt"`
}
