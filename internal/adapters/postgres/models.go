package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type licenseCodeModel struct {
	Code       string     `gorm:"column:code;primaryKey"`
	CodeType   string     `gorm:"column:code_type"`
	TotalQuota int64      `gorm:"column:total_quota"`
	MaxDevices int        `gorm:"column:max_devices"`
	IsEnabled  bool       `gorm:"column:is_enabled"`
	ExpiresAt  *time.Time `gorm:"column:expires_at"`
	CreatedAt  time.Time  `gorm:"column:created_at"`
	UpdatedAt  time.Time  `gorm:"column:updated_at"`
}

func (licenseCodeModel) TableName() string { return "license_codes" }

type licenseBindingModel struct {
	Code      string    `gorm:"column:code;primaryKey"`
	DeviceID  string    `gorm:"column:device_id;primaryKey"`
	ScopeKey  string    `gorm:"column:scope_key"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (licenseBindingModel) TableName() string { return "license_bindings" }

type scopeQuotaModel struct {
	ScopeKey    string    `gorm:"column:scope_key;primaryKey"`
	LicenseCode *string   `gorm:"column:license_code"`
	Remaining   int64     `gorm:"column:remaining"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
}

func (scopeQuotaModel) TableName() string { return "scope_quotas" }

type idempotencyModel struct {
	ScopeKey       string         `gorm:"column:scope_key;primaryKey"`
	Endpoint       string         `gorm:"column:endpoint;primaryKey"`
	IdempotencyKey string         `gorm:"column:idempotency_key;primaryKey"`
	RequestHash    string         `gorm:"column:request_hash"`
	ResponseCode   int            `gorm:"column:response_code"`
	ResponseBody   datatypes.JSON `gorm:"column:response_body"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	ExpiresAt      time.Time      `gorm:"column:expires_at"`
}

func (idempotencyModel) TableName() string { return "idempotency_keys" }

type gradingRecordModel struct {
	RecordID    uuid.UUID       `gorm:"column:record_id;type:uuid;primaryKey"`
	ScopeKey    string          `gorm:"column:scope_key"`
	StudentName string          `gorm:"column:student_name"`
	QuestionNo  string          `gorm:"column:question_no"`
	QuestionKey string          `gorm:"column:question_key"`
	Score       decimal.Decimal `gorm:"column:score;type:numeric"`
	MaxScore    decimal.Decimal `gorm:"column:max_score;type:numeric"`
	Breakdown   datatypes.JSON  `gorm:"column:breakdown"`
	Comment     string          `gorm:"column:comment"`
	Provider    string          `gorm:"column:provider"`
	Model       string          `gorm:"column:model"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
}

func (gradingRecordModel) TableName() string { return "grading_records" }

type rubricModel struct {
	ScopeKey     string         `gorm:"column:scope_key;primaryKey"`
	QuestionKey  string         `gorm:"column:question_key;primaryKey"`
	StrategyType string         `gorm:"column:strategy_type"`
	Body         datatypes.JSON `gorm:"column:body"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at"`
}

func (rubricModel) TableName() string { return "rubrics" }

type scopeSettingsModel struct {
	ScopeKey           string         `gorm:"column:scope_key;primaryKey"`
	PreferredProviders datatypes.JSON `gorm:"column:preferred_providers"`
	DefaultSubject     string         `gorm:"column:default_subject"`
	UpdatedAt          time.Time      `gorm:"column:updated_at"`
}

func (scopeSettingsModel) TableName() string { return "scope_settings" }

type outboxModel struct {
	OutboxID       uuid.UUID  `gorm:"column:outbox_id;type:uuid;primaryKey"`
	EventType      string     `gorm:"column:event_type"`
	PartitionKey   string     `gorm:"column:partition_key"`
	Payload        string     `gorm:"column:payload;type:jsonb"`
	RetryCount     int        `gorm:"column:retry_count"`
	LastError      *string    `gorm:"column:last_error"`
	LastErrorAt    *time.Time `gorm:"column:last_error_at"`
	CreatedAt      time.Time  `gorm:"column:created_at"`
	PublishedAt    *time.Time `gorm:"column:published_at"`
	ClaimToken     *string    `gorm:"column:claim_token"`
	ClaimUntil     *time.Time `gorm:"column:claim_until"`
	DeadLetteredAt *time.Time `gorm:"column:dead_lettered_at"`
}

func (outboxModel) TableName() string { return "outbox_events" }
