package application

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zhiquai/aigrading/internal/domain"
)

// Reply is a response rendered once and replayable verbatim.
type Reply struct {
	StatusCode int
	Body       json.RawMessage
	Replayed   bool
}

type ActivateRequest struct {
	ActivationCode string `json:"activationCode"`
	DeviceID       string `json:"deviceId"`
}

type ActivateResponse struct {
	Activated      bool       `json:"activated"`
	AlreadyBound   bool       `json:"alreadyBound"`
	RemainingQuota int64      `json:"remainingQuota"`
	MaxDevices     int        `json:"maxDevices"`
	ScopeKey       string     `json:"scopeKey"`
	CodeType       string     `json:"codeType"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

type StatusResponse struct {
	Status         domain.LicenseStatus `json:"status"`
	ScopeKey       string               `json:"scopeKey"`
	ScopeType      domain.ScopeType     `json:"scopeType"`
	RemainingQuota *int64               `json:"remainingQuota,omitempty"`
	MaxDevices     *int                 `json:"maxDevices,omitempty"`
	BoundDevices   *int                 `json:"boundDevices,omitempty"`
	CodeType       string               `json:"codeType,omitempty"`
	ExpiresAt      *time.Time           `json:"expiresAt,omitempty"`
}

type EvaluateRequest struct {
	ImageBase64 string `json:"imageBase64"`
	// Rubric is decoded leniently so unknown rubric fields never block grading.
	Rubric      json.RawMessage `json:"rubric,omitempty"`
	QuestionKey string          `json:"questionKey,omitempty"`
	StudentName string          `json:"studentName,omitempty"`
	QuestionNo  string          `json:"questionNo,omitempty"`
}

type EvaluateResponse struct {
	Score          decimal.Decimal         `json:"score"`
	MaxScore       decimal.Decimal         `json:"maxScore"`
	Breakdown      []domain.BreakdownEntry `json:"breakdown"`
	Ignored        []domain.VerdictItem    `json:"ignored,omitempty"`
	Provider       string                  `json:"provider"`
	Model          string                  `json:"model"`
	RemainingQuota int64                   `json:"remainingQuota"`
	RecordID       uuid.UUID               `json:"recordId"`
	StudentName    string                  `json:"studentName,omitempty"`
	Comment        string                  `json:"comment,omitempty"`
}

type RecordsQuery struct {
	Limit  int
	Offset int
}

type SettingsRequest struct {
	PreferredProviders []string `json:"preferredProviders"`
	DefaultSubject     string   `json:"defaultSubject"`
}

type IssueCodeRequest struct {
	Code       string     `json:"code,omitempty"`
	CodeType   string     `json:"codeType"`
	TotalQuota int64      `json:"totalQuota"`
	MaxDevices int        `json:"maxDevices"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type QuotaAdjustRequest struct {
	ScopeKey string `json:"scopeKey"`
	Amount   int64  `json:"amount"`
}

type QuotaAdjustResponse struct {
	ScopeKey     string `json:"scopeKey"`
	Remaining    int64  `json:"remaining"`
	TrialExpired bool   `json:"trialExpired,omitempty"`
}
