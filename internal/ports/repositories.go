package ports

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/zhiquai/aigrading/internal/domain"
)

// StoredResponse is the exact status and body replayed for an idempotent retry.
type StoredResponse struct {
	StatusCode int
	Body       []byte
}

// IdempotencyEntry is written in the same transaction as the effect it guards.
type IdempotencyEntry struct {
	ScopeKey    string
	Endpoint    string
	Key         string
	RequestHash string
	ExpiresAt   time.Time
}

// DuplicateRequestError reports that an identical request under the same idempotency key
// committed first. The losing transaction is rolled back and Response is what the winner returned.
type DuplicateRequestError struct {
	Response StoredResponse
}

func (e *DuplicateRequestError) Error() string {
	return "idempotent request already committed"
}

// IdempotencyRecord is a previously committed first execution.
type IdempotencyRecord struct {
	ScopeKey     string
	Endpoint     string
	Key          string
	RequestHash  string
	ResponseCode int
	ResponseBody []byte
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// IdempotencyRepository reads the ledger. Get returns nil, nil when absent or expired.
type IdempotencyRepository interface {
	Get(ctx context.Context, scopeKey, endpoint, key string, now time.Time) (*IdempotencyRecord, error)
}

// ActivateTxParams are the inputs of the single activation transaction.
type ActivateTxParams struct {
	Code     string
	DeviceID string
	Now      time.Time
	// Event is enqueued only when a new binding is created.
	Event       *OutboxEvent
	Idempotency *IdempotencyEntry
}

type ActivationOutcome struct {
	License      domain.LicenseCode
	AlreadyBound bool
	Remaining    int64
}

// RenderFunc builds the response body inside the transaction so the ledger stores exactly what is returned.
type RenderFunc[T any] func(T) (StoredResponse, error)

// LicenseRepository owns codes and bindings.
// Activate locks the code row, checks usability and device capacity, binds, ensures the
// shared quota, enqueues the event and writes the ledger entry in one transaction.
type LicenseRepository interface {
	CreateCode(ctx context.Context, code domain.LicenseCode) (domain.LicenseCode, error)
	GetCode(ctx context.Context, code string) (domain.LicenseCode, error)
	SetEnabled(ctx context.Context, code string, enabled bool, at time.Time) (domain.LicenseCode, error)
	GetBinding(ctx context.Context, code, deviceID string) (domain.LicenseBinding, error)
	// FindBindingByDevice returns the most recent binding of a device.
	FindBindingByDevice(ctx context.Context, deviceID string) (domain.LicenseBinding, error)
	CountBindings(ctx context.Context, code string) (int, error)
	Activate(ctx context.Context, params ActivateTxParams, render RenderFunc[ActivationOutcome]) (ActivationOutcome, StoredResponse, error)
}

type ConsumeResult struct {
	Remaining    int64
	TrialExpired bool
}

// QuotaRepository mutates ScopeQuota.remaining only through atomic conditional updates.
type QuotaRepository interface {
	Get(ctx context.Context, scopeKey string) (domain.ScopeQuota, error)
	// Ensure creates the row with initial remaining if absent and returns the current row.
	Ensure(ctx context.Context, scopeKey string, initial int64, at time.Time) (domain.ScopeQuota, error)
	// Consume decrements only when remaining >= amount; otherwise domain.ErrQuotaInsufficient.
	Consume(ctx context.Context, scopeKey string, amount int64, at time.Time) (ConsumeResult, error)
	Refund(ctx context.Context, scopeKey string, amount int64, at time.Time) (int64, error)
}

type CommitGradingParams struct {
	Record      domain.GradingRecord
	Amount      int64
	Event       OutboxEvent
	Idempotency *IdempotencyEntry
}

type GradingCommit struct {
	Record       domain.GradingRecord
	Remaining    int64
	TrialExpired bool
}

// GradingRepository persists records. Commit charges quota and inserts the record atomically:
// no record without a charge, no charge without a record.
type GradingRepository interface {
	Commit(ctx context.Context, params CommitGradingParams, render RenderFunc[GradingCommit]) (GradingCommit, StoredResponse, error)
	ListRecords(ctx context.Context, scopeKey string, limit, offset int) ([]domain.GradingRecord, error)
	DeleteRecord(ctx context.Context, scopeKey string, recordID uuid.UUID) error
}

// RubricRepository stores rubrics per (scope, question key).
// Upsert rejects writes whose UpdatedAt is not strictly newer with domain.ErrRubricConflict.
type RubricRepository interface {
	Get(ctx context.Context, scopeKey, questionKey string) (domain.StoredRubric, error)
	List(ctx context.Context, scopeKey string) ([]domain.StoredRubric, error)
	Upsert(ctx context.Context, rubric domain.StoredRubric) (domain.StoredRubric, error)
	Delete(ctx context.Context, scopeKey, questionKey string) error
}

type SettingsRepository interface {
	// Get returns domain.ErrNotFound when the scope has no settings yet.
	Get(ctx context.Context, scopeKey string) (domain.ScopeSettings, error)
	Upsert(ctx context.Context, settings domain.ScopeSettings) (domain.ScopeSettings, error)
}

// OutboxEvent is the write-side event prior to storage.
type OutboxEvent struct {
	EventID      uuid.UUID
	EventType    string
	PartitionKey string
	Payload      []byte
	OccurredAt   time.Time
}

// OutboxRecord is durable outbox state including retry metadata.
type OutboxRecord struct {
	OutboxID       uuid.UUID
	EventType      string
	PartitionKey   string
	Payload        []byte
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	PublishedAt    *time.Time
	LastErrorAt    *time.Time
	ClaimToken     *string
	ClaimUntil     *time.Time
	DeadLetteredAt *time.Time
}

// OutboxRepository drives the claim/publish/retry cycle of the outbox worker.
type OutboxRepository interface {
	Enqueue(ctx context.Context, event OutboxEvent) error
	ClaimUnpublished(ctx context.Context, limit int, claimToken string, claimUntil time.Time) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, outboxID uuid.UUID, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
	MarkDeadLettered(ctx context.Context, outboxID uuid.UUID, claimToken, errMsg string, at time.Time) error
}

// Repositories groups every persistence port so storage backends are swappable at bootstrap.
type Repositories struct {
	Licenses    LicenseRepository
	Quotas      QuotaRepository
	Idempotency IdempotencyRepository
	Grading     GradingRepository
	Rubrics     RubricRepository
	Settings    SettingsRepository
	Outbox      OutboxRepository
}
