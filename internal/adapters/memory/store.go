// Package memory holds process-local implementations of every persistence port.
// One mutex guards all tables so multi-table operations stay atomic, which makes
// it suitable for tests and single-instance development runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

type bindingKey struct{ code, deviceID string }

type ledgerKey struct{ scopeKey, endpoint, key string }

type rubricKey struct{ scopeKey, questionKey string }

type Store struct {
	mu       sync.Mutex
	codes    map[string]domain.LicenseCode
	bindings map[bindingKey]domain.LicenseBinding
	quotas   map[string]domain.ScopeQuota
	ledger   map[ledgerKey]ports.IdempotencyRecord
	records  []domain.GradingRecord
	rubrics  map[rubricKey]domain.StoredRubric
	settings map[string]domain.ScopeSettings
	outbox   []ports.OutboxRecord
}

func NewStore() *Store {
	return &Store{
		codes:    map[string]domain.LicenseCode{},
		bindings: map[bindingKey]domain.LicenseBinding{},
		quotas:   map[string]domain.ScopeQuota{},
		ledger:   map[ledgerKey]ports.IdempotencyRecord{},
		rubrics:  map[rubricKey]domain.StoredRubric{},
		settings: map[string]domain.ScopeSettings{},
	}
}

// NewRepositories wires a fresh store into every port.
func NewRepositories() ports.Repositories {
	return NewStore().Repositories()
}

func (s *Store) Repositories() ports.Repositories {
	return ports.Repositories{
		Licenses:    &licenseRepository{s: s},
		Quotas:      &quotaRepository{s: s},
		Idempotency: &idempotencyRepository{s: s},
		Grading:     &gradingRepository{s: s},
		Rubrics:     &rubricRepository{s: s},
		Settings:    &settingsRepository{s: s},
		Outbox:      &outboxRepository{s: s},
	}
}

// OutboxSnapshot returns a copy of the outbox, oldest first.
func (s *Store) OutboxSnapshot() []ports.OutboxRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ports.OutboxRecord, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// --- ledger and quota helpers; callers hold s.mu ---

// checkLedgerLocked runs before any effect. A live entry for the key means another request
// already committed: the same body replays it, a different body conflicts.
func (s *Store) checkLedgerLocked(entry *ports.IdempotencyEntry, now time.Time) error {
	if entry == nil {
		return nil
	}
	existing, ok := s.ledger[ledgerKey{entry.ScopeKey, entry.Endpoint, entry.Key}]
	if !ok || !now.Before(existing.ExpiresAt) {
		return nil
	}
	if existing.RequestHash != entry.RequestHash {
		return domain.ErrIdempotencyConflict
	}
	return &ports.DuplicateRequestError{Response: ports.StoredResponse{
		StatusCode: existing.ResponseCode,
		Body:       append([]byte(nil), existing.ResponseBody...),
	}}
}

func (s *Store) writeLedgerLocked(entry *ports.IdempotencyEntry, resp ports.StoredResponse, now time.Time) {
	if entry == nil {
		return
	}
	s.ledger[ledgerKey{entry.ScopeKey, entry.Endpoint, entry.Key}] = ports.IdempotencyRecord{
		ScopeKey:     entry.ScopeKey,
		Endpoint:     entry.Endpoint,
		Key:          entry.Key,
		RequestHash:  entry.RequestHash,
		ResponseCode: resp.StatusCode,
		ResponseBody: append([]byte(nil), resp.Body...),
		CreatedAt:    now,
		ExpiresAt:    entry.ExpiresAt,
	}
}

func (s *Store) enqueueLocked(event ports.OutboxEvent) {
	s.outbox = append(s.outbox, ports.OutboxRecord{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      append([]byte(nil), event.Payload...),
		CreatedAt:    event.OccurredAt,
	})
}

func (s *Store) consumeLocked(scopeKey string, amount int64, at time.Time) (ports.ConsumeResult, error) {
	q, ok := s.quotas[scopeKey]
	if !ok || q.Remaining < amount {
		return ports.ConsumeResult{}, domain.ErrQuotaInsufficient
	}
	q.Remaining -= amount
	q.UpdatedAt = at
	s.quotas[scopeKey] = q

	result := ports.ConsumeResult{Remaining: q.Remaining}
	if q.Remaining > 0 {
		return result, nil
	}
	payload, _ := json.Marshal(map[string]any{"scope_key": scopeKey, "exhausted_at": at})
	s.enqueueLocked(ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    "quota.exhausted",
		PartitionKey: scopeKey,
		Payload:      payload,
		OccurredAt:   at,
	})
	if code, ok := s.codes[q.LicenseCode]; ok && code.CodeType == domain.CodeTypeTrial && !code.IsExpired(at) {
		expires := at
		code.ExpiresAt = &expires
		code.UpdatedAt = at
		s.codes[code.Code] = code
		result.TrialExpired = true
	}
	return result, nil
}

type licenseRepository struct{ s *Store }

func (r *licenseRepository) CreateCode(_ context.Context, code domain.LicenseCode) (domain.LicenseCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.codes[code.Code]; ok {
		return domain.LicenseCode{}, domain.ErrConflict
	}
	r.s.codes[code.Code] = code
	return code, nil
}

func (r *licenseRepository) GetCode(_ context.Context, code string) (domain.LicenseCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.codes[code]
	if !ok {
		return domain.LicenseCode{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *licenseRepository) SetEnabled(_ context.Context, code string, enabled bool, at time.Time) (domain.LicenseCode, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.codes[code]
	if !ok {
		return domain.LicenseCode{}, domain.ErrNotFound
	}
	row.IsEnabled = enabled
	row.UpdatedAt = at
	r.s.codes[code] = row
	return row, nil
}

func (r *licenseRepository) GetBinding(_ context.Context, code, deviceID string) (domain.LicenseBinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bindings[bindingKey{code, deviceID}]
	if !ok {
		return domain.LicenseBinding{}, domain.ErrNotFound
	}
	return b, nil
}

func (r *licenseRepository) FindBindingByDevice(_ context.Context, deviceID string) (domain.LicenseBinding, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		found domain.LicenseBinding
		ok    bool
	)
	for k, b := range r.s.bindings {
		if k.deviceID != deviceID {
			continue
		}
		if !ok || b.CreatedAt.After(found.CreatedAt) {
			found, ok = b, true
		}
	}
	if !ok {
		return domain.LicenseBinding{}, domain.ErrNotFound
	}
	return found, nil
}

func (r *licenseRepository) CountBindings(_ context.Context, code string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.countBindingsLocked(code), nil
}

func (s *Store) countBindingsLocked(code string) int {
	n := 0
	for k := range s.bindings {
		if k.code == code {
			n++
		}
	}
	return n
}

func (r *licenseRepository) Activate(_ context.Context, params ports.ActivateTxParams, render ports.RenderFunc[ports.ActivationOutcome]) (ports.ActivationOutcome, ports.StoredResponse, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLedgerLocked(params.Idempotency, params.Now); err != nil {
		return ports.ActivationOutcome{}, ports.StoredResponse{}, err
	}
	code, ok := s.codes[params.Code]
	if !ok {
		return ports.ActivationOutcome{}, ports.StoredResponse{}, domain.ErrLicenseInvalid
	}
	if err := code.CheckUsable(params.Now); err != nil {
		return ports.ActivationOutcome{}, ports.StoredResponse{}, err
	}

	scopeKey := domain.ActivationScopeKey(code.Code)
	bk := bindingKey{code.Code, params.DeviceID}
	_, alreadyBound := s.bindings[bk]
	if !alreadyBound && s.countBindingsLocked(code.Code) >= code.MaxDevices {
		return ports.ActivationOutcome{}, ports.StoredResponse{}, domain.ErrDeviceLimitReached
	}

	q, ok := s.quotas[scopeKey]
	if !ok {
		q = domain.ScopeQuota{ScopeKey: scopeKey, LicenseCode: code.Code, Remaining: code.TotalQuota, UpdatedAt: params.Now}
	}
	outcome := ports.ActivationOutcome{License: code, AlreadyBound: alreadyBound, Remaining: q.Remaining}
	resp, err := render(outcome)
	if err != nil {
		return ports.ActivationOutcome{}, ports.StoredResponse{}, err
	}
	s.writeLedgerLocked(params.Idempotency, resp, params.Now)

	s.quotas[scopeKey] = q
	if !alreadyBound {
		s.bindings[bk] = domain.LicenseBinding{Code: code.Code, DeviceID: params.DeviceID, ScopeKey: scopeKey, CreatedAt: params.Now}
		if params.Event != nil {
			s.enqueueLocked(*params.Event)
		}
	}
	return outcome, resp, nil
}

type quotaRepository struct{ s *Store }

func (r *quotaRepository) Get(_ context.Context, scopeKey string) (domain.ScopeQuota, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.quotas[scopeKey]
	if !ok {
		return domain.ScopeQuota{}, domain.ErrNotFound
	}
	return q, nil
}

func (r *quotaRepository) Ensure(_ context.Context, scopeKey string, initial int64, at time.Time) (domain.ScopeQuota, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if q, ok := r.s.quotas[scopeKey]; ok {
		return q, nil
	}
	q := domain.ScopeQuota{ScopeKey: scopeKey, Remaining: initial, UpdatedAt: at}
	if code, ok := domain.CodeFromScopeKey(scopeKey); ok {
		q.LicenseCode = code
	}
	r.s.quotas[scopeKey] = q
	return q, nil
}

func (r *quotaRepository) Consume(_ context.Context, scopeKey string, amount int64, at time.Time) (ports.ConsumeResult, error) {
	if amount <= 0 {
		return ports.ConsumeResult{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.consumeLocked(scopeKey, amount, at)
}

func (r *quotaRepository) Refund(_ context.Context, scopeKey string, amount int64, at time.Time) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	q, ok := r.s.quotas[scopeKey]
	if !ok {
		return 0, domain.ErrNotFound
	}
	q.Remaining += amount
	q.UpdatedAt = at
	r.s.quotas[scopeKey] = q
	return q.Remaining, nil
}

type idempotencyRepository struct{ s *Store }

func (r *idempotencyRepository) Get(_ context.Context, scopeKey, endpoint, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := ledgerKey{scopeKey, endpoint, key}
	rec, ok := r.s.ledger[k]
	if !ok {
		return nil, nil
	}
	if !now.Before(rec.ExpiresAt) {
		delete(r.s.ledger, k)
		return nil, nil
	}
	out := rec
	return &out, nil
}

type gradingRepository struct{ s *Store }

func (r *gradingRepository) Commit(_ context.Context, params ports.CommitGradingParams, render ports.RenderFunc[ports.GradingCommit]) (ports.GradingCommit, ports.StoredResponse, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkLedgerLocked(params.Idempotency, params.Record.CreatedAt); err != nil {
		return ports.GradingCommit{}, ports.StoredResponse{}, err
	}

	// Work on copies so a failed render leaves no trace.
	quotaBefore, hadQuota := s.quotas[params.Record.ScopeKey]
	outboxLen := len(s.outbox)
	var codeBefore domain.LicenseCode
	if hadQuota {
		codeBefore = s.codes[quotaBefore.LicenseCode]
	}
	rollback := func() {
		if hadQuota {
			s.quotas[params.Record.ScopeKey] = quotaBefore
			if codeBefore.Code != "" {
				s.codes[codeBefore.Code] = codeBefore
			}
		}
		s.outbox = s.outbox[:outboxLen]
	}

	res, err := s.consumeLocked(params.Record.ScopeKey, params.Amount, params.Record.CreatedAt)
	if err != nil {
		return ports.GradingCommit{}, ports.StoredResponse{}, err
	}
	commit := ports.GradingCommit{Record: params.Record, Remaining: res.Remaining, TrialExpired: res.TrialExpired}
	resp, err := render(commit)
	if err != nil {
		rollback()
		return ports.GradingCommit{}, ports.StoredResponse{}, err
	}
	s.writeLedgerLocked(params.Idempotency, resp, params.Record.CreatedAt)
	s.records = append(s.records, params.Record)
	s.enqueueLocked(params.Event)
	return commit, resp, nil
}

func (r *gradingRepository) ListRecords(_ context.Context, scopeKey string, limit, offset int) ([]domain.GradingRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	matched := make([]domain.GradingRecord, 0)
	for _, rec := range r.s.records {
		if rec.ScopeKey == scopeKey {
			matched = append(matched, rec)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if offset >= len(matched) {
		return []domain.GradingRecord{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (r *gradingRepository) DeleteRecord(_ context.Context, scopeKey string, recordID uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i, rec := range r.s.records {
		if rec.ID == recordID && rec.ScopeKey == scopeKey {
			r.s.records = append(r.s.records[:i], r.s.records[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

type rubricRepository struct{ s *Store }

func (r *rubricRepository) Get(_ context.Context, scopeKey, questionKey string) (domain.StoredRubric, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.rubrics[rubricKey{scopeKey, questionKey}]
	if !ok {
		return domain.StoredRubric{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *rubricRepository) List(_ context.Context, scopeKey string) ([]domain.StoredRubric, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]domain.StoredRubric, 0)
	for k, row := range r.s.rubrics {
		if k.scopeKey == scopeKey {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].QuestionKey, out[j].QuestionKey) < 0 })
	return out, nil
}

func (r *rubricRepository) Upsert(_ context.Context, rubric domain.StoredRubric) (domain.StoredRubric, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := rubricKey{rubric.ScopeKey, rubric.QuestionKey}
	if existing, ok := r.s.rubrics[k]; ok {
		if !rubric.UpdatedAt.After(existing.UpdatedAt) {
			return domain.StoredRubric{}, domain.ErrRubricConflict
		}
		rubric.CreatedAt = existing.CreatedAt
	}
	r.s.rubrics[k] = rubric
	return rubric, nil
}

func (r *rubricRepository) Delete(_ context.Context, scopeKey, questionKey string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := rubricKey{scopeKey, questionKey}
	if _, ok := r.s.rubrics[k]; !ok {
		return domain.ErrNotFound
	}
	delete(r.s.rubrics, k)
	return nil
}

type settingsRepository struct{ s *Store }

func (r *settingsRepository) Get(_ context.Context, scopeKey string) (domain.ScopeSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	row, ok := r.s.settings[scopeKey]
	if !ok {
		return domain.ScopeSettings{}, domain.ErrNotFound
	}
	return row, nil
}

func (r *settingsRepository) Upsert(_ context.Context, settings domain.ScopeSettings) (domain.ScopeSettings, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.settings[settings.ScopeKey] = settings
	return settings, nil
}
