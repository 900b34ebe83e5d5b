package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BreakdownEntry is the scored outcome of one rubric item.
type BreakdownEntry struct {
	ItemID    string          `json:"itemId"`
	Label     string          `json:"label,omitempty"`
	Awarded   decimal.Decimal `json:"awarded"`
	Max       decimal.Decimal `json:"max"`
	Matched   bool            `json:"matched"`
	Counted   bool            `json:"counted"`
	Level     string          `json:"level,omitempty"`
	Note      string          `json:"note,omitempty"`
	Rationale string          `json:"rationale,omitempty"`
}

type GradingRecord struct {
	ID          uuid.UUID        `json:"id"`
	ScopeKey    string           `json:"scopeKey"`
	StudentName string           `json:"studentName"`
	QuestionNo  string           `json:"questionNo,omitempty"`
	QuestionKey string           `json:"questionKey,omitempty"`
	Score       decimal.Decimal  `json:"score"`
	MaxScore    decimal.Decimal  `json:"maxScore"`
	Breakdown   []BreakdownEntry `json:"breakdown"`
	Comment     string           `json:"comment,omitempty"`
	Provider    string           `json:"provider"`
	Model       string           `json:"model"`
	CreatedAt   time.Time        `json:"createdAt"`
}

// ScopeSettings are per-scope preferences. PreferredProviders reorders gateway fallback.
type ScopeSettings struct {
	ScopeKey           string    `json:"scopeKey"`
	PreferredProviders []string  `json:"preferredProviders"`
	DefaultSubject     string    `json:"defaultSubject,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt"`
}
