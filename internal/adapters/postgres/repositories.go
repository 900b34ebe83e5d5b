package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

func NewRepositories(db *gorm.DB) ports.Repositories {
	return ports.Repositories{
		Licenses:    &licenseRepository{db: db},
		Quotas:      &quotaRepository{db: db},
		Idempotency: &idempotencyRepository{db: db},
		Grading:     &gradingRepository{db: db},
		Rubrics:     &rubricRepository{db: db},
		Settings:    &settingsRepository{db: db},
		Outbox:      &outboxRepository{db: db},
	}
}

// Transaction helpers shared by the multi-table operations. All take an open tx.

func enqueueTx(tx *gorm.DB, event ports.OutboxEvent) error {
	return tx.Create(&outboxModel{
		OutboxID:     event.EventID,
		EventType:    event.EventType,
		PartitionKey: event.PartitionKey,
		Payload:      string(event.Payload),
		CreatedAt:    event.OccurredAt,
	}).Error
}

// writeLedgerTx stores the rendered response under the idempotency key. When a concurrent
// request already holds the key, the same body yields a DuplicateRequestError carrying the
// winner's response and a different body ErrIdempotencyConflict; either way the caller's
// transaction rolls back.
func writeLedgerTx(tx *gorm.DB, entry *ports.IdempotencyEntry, resp ports.StoredResponse, now time.Time) error {
	if entry == nil {
		return nil
	}
	if err := tx.
		Where("scope_key = ? AND endpoint = ? AND idempotency_key = ?", entry.ScopeKey, entry.Endpoint, entry.Key).
		Where("expires_at <= ?", now).
		Delete(&idempotencyModel{}).Error; err != nil {
		return err
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&idempotencyModel{
		ScopeKey:       entry.ScopeKey,
		Endpoint:       entry.Endpoint,
		IdempotencyKey: entry.Key,
		RequestHash:    entry.RequestHash,
		ResponseCode:   resp.StatusCode,
		ResponseBody:   resp.Body,
		CreatedAt:      now,
		ExpiresAt:      entry.ExpiresAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var winner idempotencyModel
	if err := tx.
		Where("scope_key = ? AND endpoint = ? AND idempotency_key = ?", entry.ScopeKey, entry.Endpoint, entry.Key).
		Take(&winner).Error; err != nil {
		return err
	}
	if winner.RequestHash != entry.RequestHash {
		return domain.ErrIdempotencyConflict
	}
	return &ports.DuplicateRequestError{Response: ports.StoredResponse{
		StatusCode: winner.ResponseCode,
		Body:       []byte(winner.ResponseBody),
	}}
}

// consumeTx is the only path that decrements remaining. The conditional update keeps
// the balance non-negative under concurrency; exhausting a trial pool expires its code.
func consumeTx(tx *gorm.DB, scopeKey string, amount int64, at time.Time) (ports.ConsumeResult, error) {
	res := tx.Model(&scopeQuotaModel{}).
		Where("scope_key = ? AND remaining >= ?", scopeKey, amount).
		Updates(map[string]any{
			"remaining":  gorm.Expr("remaining - ?", amount),
			"updated_at": at,
		})
	if res.Error != nil {
		return ports.ConsumeResult{}, res.Error
	}
	if res.RowsAffected == 0 {
		return ports.ConsumeResult{}, domain.ErrQuotaInsufficient
	}

	var row scopeQuotaModel
	if err := tx.Where("scope_key = ?", scopeKey).Take(&row).Error; err != nil {
		return ports.ConsumeResult{}, err
	}
	result := ports.ConsumeResult{Remaining: row.Remaining}
	if row.Remaining > 0 {
		return result, nil
	}

	payload, _ := json.Marshal(map[string]any{"scope_key": scopeKey, "exhausted_at": at})
	if err := enqueueTx(tx, ports.OutboxEvent{
		EventID:      uuid.New(),
		EventType:    "quota.exhausted",
		PartitionKey: scopeKey,
		Payload:      payload,
		OccurredAt:   at,
	}); err != nil {
		return ports.ConsumeResult{}, err
	}
	if row.LicenseCode == nil {
		return result, nil
	}
	expired := tx.Model(&licenseCodeModel{}).
		Where("code = ? AND code_type = ?", *row.LicenseCode, string(domain.CodeTypeTrial)).
		Where("expires_at IS NULL OR expires_at > ?", at).
		Updates(map[string]any{"expires_at": at, "updated_at": at})
	if expired.Error != nil {
		return ports.ConsumeResult{}, expired.Error
	}
	result.TrialExpired = expired.RowsAffected > 0
	return result, nil
}

type licenseRepository struct {
	db *gorm.DB
}

func (r *licenseRepository) CreateCode(ctx context.Context, code domain.LicenseCode) (domain.LicenseCode, error) {
	row := licenseCodeModel{
		Code:       code.Code,
		CodeType:   string(code.CodeType),
		TotalQuota: code.TotalQuota,
		MaxDevices: code.MaxDevices,
		IsEnabled:  code.IsEnabled,
		ExpiresAt:  code.ExpiresAt,
		CreatedAt:  code.CreatedAt,
		UpdatedAt:  code.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.LicenseCode{}, domain.ErrConflict
		}
		return domain.LicenseCode{}, err
	}
	return toDomainLicense(row), nil
}

func (r *licenseRepository) GetCode(ctx context.Context, code string) (domain.LicenseCode, error) {
	var row licenseCodeModel
	if err := r.db.WithContext(ctx).Where("code = ?", code).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.LicenseCode{}, domain.ErrNotFound
		}
		return domain.LicenseCode{}, err
	}
	return toDomainLicense(row), nil
}

func (r *licenseRepository) SetEnabled(ctx context.Context, code string, enabled bool, at time.Time) (domain.LicenseCode, error) {
	res := r.db.WithContext(ctx).
		Model(&licenseCodeModel{}).
		Where("code = ?", code).
		Updates(map[string]any{"is_enabled": enabled, "updated_at": at})
	if res.Error != nil {
		return domain.LicenseCode{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.LicenseCode{}, domain.ErrNotFound
	}
	return r.GetCode(ctx, code)
}

func (r *licenseRepository) GetBinding(ctx context.Context, code, deviceID string) (domain.LicenseBinding, error) {
	var row licenseBindingModel
	if err := r.db.WithContext(ctx).Where("code = ? AND device_id = ?", code, deviceID).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.LicenseBinding{}, domain.ErrNotFound
		}
		return domain.LicenseBinding{}, err
	}
	return toDomainBinding(row), nil
}

func (r *licenseRepository) FindBindingByDevice(ctx context.Context, deviceID string) (domain.LicenseBinding, error) {
	var row licenseBindingModel
	if err := r.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.LicenseBinding{}, domain.ErrNotFound
		}
		return domain.LicenseBinding{}, err
	}
	return toDomainBinding(row), nil
}

func (r *licenseRepository) CountBindings(ctx context.Context, code string) (int, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&licenseBindingModel{}).Where("code = ?", code).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// Activate serializes on the code row so concurrent binds cannot exceed max_devices.
func (r *licenseRepository) Activate(ctx context.Context, params ports.ActivateTxParams, render ports.RenderFunc[ports.ActivationOutcome]) (ports.ActivationOutcome, ports.StoredResponse, error) {
	var (
		outcome ports.ActivationOutcome
		resp    ports.StoredResponse
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var code licenseCodeModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("code = ?", params.Code).
			Take(&code).Error; err != nil {
			if isNotFound(err) {
				return domain.ErrLicenseInvalid
			}
			return err
		}
		lic := toDomainLicense(code)
		if err := lic.CheckUsable(params.Now); err != nil {
			return err
		}

		var existing int64
		if err := tx.Model(&licenseBindingModel{}).
			Where("code = ? AND device_id = ?", lic.Code, params.DeviceID).
			Count(&existing).Error; err != nil {
			return err
		}
		scopeKey := domain.ActivationScopeKey(lic.Code)
		alreadyBound := existing > 0
		if !alreadyBound {
			var bound int64
			if err := tx.Model(&licenseBindingModel{}).Where("code = ?", lic.Code).Count(&bound).Error; err != nil {
				return err
			}
			if bound >= int64(lic.MaxDevices) {
				return domain.ErrDeviceLimitReached
			}
			// The (code, device_id) key is the guarantee; a row lost to a racing bind reads as already bound.
			inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&licenseBindingModel{
				Code:      lic.Code,
				DeviceID:  params.DeviceID,
				ScopeKey:  scopeKey,
				CreatedAt: params.Now,
			})
			if inserted.Error != nil {
				return inserted.Error
			}
			alreadyBound = inserted.RowsAffected == 0
		}

		licenseCode := lic.Code
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&scopeQuotaModel{
			ScopeKey:    scopeKey,
			LicenseCode: &licenseCode,
			Remaining:   lic.TotalQuota,
			UpdatedAt:   params.Now,
		}).Error; err != nil {
			return err
		}
		var quota scopeQuotaModel
		if err := tx.Where("scope_key = ?", scopeKey).Take(&quota).Error; err != nil {
			return err
		}
		if !alreadyBound && params.Event != nil {
			if err := enqueueTx(tx, *params.Event); err != nil {
				return err
			}
		}

		outcome = ports.ActivationOutcome{License: lic, AlreadyBound: alreadyBound, Remaining: quota.Remaining}
		rendered, err := render(outcome)
		if err != nil {
			return err
		}
		resp = rendered
		return writeLedgerTx(tx, params.Idempotency, resp, params.Now)
	})
	if err != nil {
		return ports.ActivationOutcome{}, ports.StoredResponse{}, err
	}
	return outcome, resp, nil
}

type quotaRepository struct {
	db *gorm.DB
}

func (r *quotaRepository) Get(ctx context.Context, scopeKey string) (domain.ScopeQuota, error) {
	var row scopeQuotaModel
	if err := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.ScopeQuota{}, domain.ErrNotFound
		}
		return domain.ScopeQuota{}, err
	}
	return toDomainQuota(row), nil
}

func (r *quotaRepository) Ensure(ctx context.Context, scopeKey string, initial int64, at time.Time) (domain.ScopeQuota, error) {
	row := scopeQuotaModel{ScopeKey: scopeKey, Remaining: initial, UpdatedAt: at}
	if code, ok := domain.CodeFromScopeKey(scopeKey); ok {
		row.LicenseCode = &code
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return domain.ScopeQuota{}, err
	}
	return r.Get(ctx, scopeKey)
}

func (r *quotaRepository) Consume(ctx context.Context, scopeKey string, amount int64, at time.Time) (ports.ConsumeResult, error) {
	var result ports.ConsumeResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = consumeTx(tx, scopeKey, amount, at)
		return err
	})
	return result, err
}

func (r *quotaRepository) Refund(ctx context.Context, scopeKey string, amount int64, at time.Time) (int64, error) {
	var remaining int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&scopeQuotaModel{}).
			Where("scope_key = ?", scopeKey).
			Updates(map[string]any{
				"remaining":  gorm.Expr("remaining + ?", amount),
				"updated_at": at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		var row scopeQuotaModel
		if err := tx.Where("scope_key = ?", scopeKey).Take(&row).Error; err != nil {
			return err
		}
		remaining = row.Remaining
		return nil
	})
	return remaining, err
}

type gradingRepository struct {
	db *gorm.DB
}

// Commit charges quota, stores the record, enqueues grading.completed and writes the
// ledger entry in one transaction.
func (r *gradingRepository) Commit(ctx context.Context, params ports.CommitGradingParams, render ports.RenderFunc[ports.GradingCommit]) (ports.GradingCommit, ports.StoredResponse, error) {
	row, err := toRecordModel(params.Record)
	if err != nil {
		return ports.GradingCommit{}, ports.StoredResponse{}, err
	}
	var (
		commit ports.GradingCommit
		resp   ports.StoredResponse
	)
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := consumeTx(tx, params.Record.ScopeKey, params.Amount, params.Record.CreatedAt)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := enqueueTx(tx, params.Event); err != nil {
			return err
		}
		commit = ports.GradingCommit{Record: params.Record, Remaining: res.Remaining, TrialExpired: res.TrialExpired}
		rendered, err := render(commit)
		if err != nil {
			return err
		}
		resp = rendered
		return writeLedgerTx(tx, params.Idempotency, resp, params.Record.CreatedAt)
	})
	if err != nil {
		return ports.GradingCommit{}, ports.StoredResponse{}, err
	}
	return commit, resp, nil
}

func (r *gradingRepository) ListRecords(ctx context.Context, scopeKey string, limit, offset int) ([]domain.GradingRecord, error) {
	var rows []gradingRecordModel
	if err := r.db.WithContext(ctx).
		Where("scope_key = ?", scopeKey).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.GradingRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := toDomainRecord(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *gradingRepository) DeleteRecord(ctx context.Context, scopeKey string, recordID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Where("record_id = ? AND scope_key = ?", recordID, scopeKey).
		Delete(&gradingRecordModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rubricRepository struct {
	db *gorm.DB
}

func (r *rubricRepository) Get(ctx context.Context, scopeKey, questionKey string) (domain.StoredRubric, error) {
	var row rubricModel
	if err := r.db.WithContext(ctx).
		Where("scope_key = ? AND question_key = ?", scopeKey, questionKey).
		Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.StoredRubric{}, domain.ErrNotFound
		}
		return domain.StoredRubric{}, err
	}
	return toDomainRubric(row)
}

func (r *rubricRepository) List(ctx context.Context, scopeKey string) ([]domain.StoredRubric, error) {
	var rows []rubricModel
	if err := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Order("question_key ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.StoredRubric, 0, len(rows))
	for _, row := range rows {
		item, err := toDomainRubric(row)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, nil
}

// Upsert only overwrites a stored rubric with a strictly newer updated_at.
func (r *rubricRepository) Upsert(ctx context.Context, rubric domain.StoredRubric) (domain.StoredRubric, error) {
	body, err := json.Marshal(rubric.Rubric)
	if err != nil {
		return domain.StoredRubric{}, err
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_key"}, {Name: "question_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"strategy_type", "body", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "rubrics.updated_at < EXCLUDED.updated_at"},
		}},
	}).Create(&rubricModel{
		ScopeKey:     rubric.ScopeKey,
		QuestionKey:  rubric.QuestionKey,
		StrategyType: string(rubric.Rubric.StrategyType),
		Body:         body,
		CreatedAt:    rubric.CreatedAt,
		UpdatedAt:    rubric.UpdatedAt,
	})
	if res.Error != nil {
		return domain.StoredRubric{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.StoredRubric{}, domain.ErrRubricConflict
	}
	return r.Get(ctx, rubric.ScopeKey, rubric.QuestionKey)
}

func (r *rubricRepository) Delete(ctx context.Context, scopeKey, questionKey string) error {
	res := r.db.WithContext(ctx).
		Where("scope_key = ? AND question_key = ?", scopeKey, questionKey).
		Delete(&rubricModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type settingsRepository struct {
	db *gorm.DB
}

func (r *settingsRepository) Get(ctx context.Context, scopeKey string) (domain.ScopeSettings, error) {
	var row scopeSettingsModel
	if err := r.db.WithContext(ctx).Where("scope_key = ?", scopeKey).Take(&row).Error; err != nil {
		if isNotFound(err) {
			return domain.ScopeSettings{}, domain.ErrNotFound
		}
		return domain.ScopeSettings{}, err
	}
	return toDomainSettings(row)
}

func (r *settingsRepository) Upsert(ctx context.Context, settings domain.ScopeSettings) (domain.ScopeSettings, error) {
	preferred, err := json.Marshal(settings.PreferredProviders)
	if err != nil {
		return domain.ScopeSettings{}, err
	}
	row := scopeSettingsModel{
		ScopeKey:           settings.ScopeKey,
		PreferredProviders: preferred,
		DefaultSubject:     settings.DefaultSubject,
		UpdatedAt:          settings.UpdatedAt,
	}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "scope_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"preferred_providers", "default_subject", "updated_at"}),
	}).Create(&row).Error; err != nil {
		return domain.ScopeSettings{}, err
	}
	return toDomainSettings(row)
}

type idempotencyRepository struct {
	db *gorm.DB
}

func (r *idempotencyRepository) Get(ctx context.Context, scopeKey, endpoint, key string, now time.Time) (*ports.IdempotencyRecord, error) {
	var row idempotencyModel
	if err := r.db.WithContext(ctx).
		Where("scope_key = ? AND endpoint = ? AND idempotency_key = ?", scopeKey, endpoint, key).
		Where("expires_at > ?", now).
		Take(&row).Error; err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &ports.IdempotencyRecord{
		ScopeKey:     row.ScopeKey,
		Endpoint:     row.Endpoint,
		Key:          row.IdempotencyKey,
		RequestHash:  row.RequestHash,
		ResponseCode: row.ResponseCode,
		ResponseBody: []byte(row.ResponseBody),
		CreatedAt:    row.CreatedAt,
		ExpiresAt:    row.ExpiresAt,
	}, nil
}
