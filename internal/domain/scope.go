package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

type ScopeType string

const (
	ScopeActivation ScopeType = "activation"
	ScopeDevice     ScopeType = "device"
	ScopeAnonymous  ScopeType = "anonymous"
)

const (
	activationScopePrefix = "ac:"
	deviceScopePrefix     = "device:"
	anonymousScopePrefix  = "anon:"
)

// Credentials are the raw identity inputs of a request.
type Credentials struct {
	ActivationCode string
	DeviceID       string
	// AnonSeed is an opaque per-client fingerprint used only when no other credential is present.
	AnonSeed string
}

// ScopeIdentity is the partition under which quota, settings, records and rubrics live.
// ActivationCode outranks DeviceID when both are present; DeviceID is still carried
// so binding checks can see which device is asking.
type ScopeIdentity struct {
	ScopeKey       string    `json:"scopeKey"`
	ScopeType      ScopeType `json:"scopeType"`
	ActivationCode string    `json:"activationCode,omitempty"`
	DeviceID       string    `json:"deviceId,omitempty"`
}

// ResolveScope derives the scope from credentials: activation > device > anonymous.
func ResolveScope(c Credentials) ScopeIdentity {
	code := NormalizeCode(c.ActivationCode)
	device := NormalizeDeviceID(c.DeviceID)
	switch {
	case code != "":
		return ScopeIdentity{
			ScopeKey:       ActivationScopeKey(code),
			ScopeType:      ScopeActivation,
			ActivationCode: code,
			DeviceID:       device,
		}
	case device != "":
		return ScopeIdentity{
			ScopeKey:  DeviceScopeKey(device),
			ScopeType: ScopeDevice,
			DeviceID:  device,
		}
	default:
		return ScopeIdentity{
			ScopeKey:  AnonymousScopeKey(c.AnonSeed),
			ScopeType: ScopeAnonymous,
		}
	}
}

func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func NormalizeDeviceID(deviceID string) string {
	return strings.TrimSpace(deviceID)
}

func ActivationScopeKey(code string) string {
	return activationScopePrefix + NormalizeCode(code)
}

func DeviceScopeKey(deviceID string) string {
	return deviceScopePrefix + NormalizeDeviceID(deviceID)
}

func AnonymousScopeKey(seed string) string {
	seed = strings.TrimSpace(seed)
	if seed == "" {
		seed = "unknown"
	}
	return anonymousScopePrefix + seed
}

// AnonSeed fingerprints a client address and user agent into a short stable token.
func AnonSeed(ip, userAgent string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(ip) + "|" + strings.TrimSpace(userAgent)))
	return hex.EncodeToString(sum[:])[:16]
}

// CodeFromScopeKey returns the activation code of an activation scope key.
func CodeFromScopeKey(scopeKey string) (string, bool) {
	if !strings.HasPrefix(scopeKey, activationScopePrefix) {
		return "", false
	}
	code := strings.TrimPrefix(scopeKey, activationScopePrefix)
	return code, code != ""
}
