package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

func toDomainLicense(row licenseCodeModel) domain.LicenseCode {
	return domain.LicenseCode{
		Code:       row.Code,
		CodeType:   domain.CodeType(row.CodeType),
		TotalQuota: row.TotalQuota,
		MaxDevices: row.MaxDevices,
		IsEnabled:  row.IsEnabled,
		ExpiresAt:  row.ExpiresAt,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func toDomainBinding(row licenseBindingModel) domain.LicenseBinding {
	return domain.LicenseBinding{
		Code:      row.Code,
		DeviceID:  row.DeviceID,
		ScopeKey:  row.ScopeKey,
		CreatedAt: row.CreatedAt,
	}
}

func toDomainQuota(row scopeQuotaModel) domain.ScopeQuota {
	q := domain.ScopeQuota{ScopeKey: row.ScopeKey, Remaining: row.Remaining, UpdatedAt: row.UpdatedAt}
	if row.LicenseCode != nil {
		q.LicenseCode = *row.LicenseCode
	}
	return q
}

func toRecordModel(rec domain.GradingRecord) (gradingRecordModel, error) {
	breakdown, err := json.Marshal(rec.Breakdown)
	if err != nil {
		return gradingRecordModel{}, fmt.Errorf("encode breakdown: %w", err)
	}
	return gradingRecordModel{
		RecordID:    rec.ID,
		ScopeKey:    rec.ScopeKey,
		StudentName: rec.StudentName,
		QuestionNo:  rec.QuestionNo,
		QuestionKey: rec.QuestionKey,
		Score:       rec.Score,
		MaxScore:    rec.MaxScore,
		Breakdown:   breakdown,
		Comment:     rec.Comment,
		Provider:    rec.Provider,
		Model:       rec.Model,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

func toDomainRecord(row gradingRecordModel) (domain.GradingRecord, error) {
	var breakdown []domain.BreakdownEntry
	if len(row.Breakdown) > 0 {
		if err := json.Unmarshal(row.Breakdown, &breakdown); err != nil {
			return domain.GradingRecord{}, fmt.Errorf("decode breakdown of %s: %w", row.RecordID, err)
		}
	}
	return domain.GradingRecord{
		ID:          row.RecordID,
		ScopeKey:    row.ScopeKey,
		StudentName: row.StudentName,
		QuestionNo:  row.QuestionNo,
		QuestionKey: row.QuestionKey,
		Score:       row.Score,
		MaxScore:    row.MaxScore,
		Breakdown:   breakdown,
		Comment:     row.Comment,
		Provider:    row.Provider,
		Model:       row.Model,
		CreatedAt:   row.CreatedAt,
	}, nil
}

func toDomainRubric(row rubricModel) (domain.StoredRubric, error) {
	var r domain.Rubric
	if err := json.Unmarshal(row.Body, &r); err != nil {
		return domain.StoredRubric{}, fmt.Errorf("decode rubric %s: %w", row.QuestionKey, err)
	}
	r.CreatedAt = row.CreatedAt
	r.UpdatedAt = row.UpdatedAt
	return domain.StoredRubric{
		ScopeKey:    row.ScopeKey,
		QuestionKey: row.QuestionKey,
		Rubric:      r,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func toDomainSettings(row scopeSettingsModel) (domain.ScopeSettings, error) {
	preferred := []string{}
	if len(row.PreferredProviders) > 0 {
		if err := json.Unmarshal(row.PreferredProviders, &preferred); err != nil {
			return domain.ScopeSettings{}, fmt.Errorf("decode preferred providers: %w", err)
		}
	}
	return domain.ScopeSettings{
		ScopeKey:           row.ScopeKey,
		PreferredProviders: preferred,
		DefaultSubject:     row.DefaultSubject,
		UpdatedAt:          row.UpdatedAt,
	}, nil
}

func toOutboxRecord(row outboxModel) ports.OutboxRecord {
	return ports.OutboxRecord{
		OutboxID:       row.OutboxID,
		EventType:      row.EventType,
		PartitionKey:   row.PartitionKey,
		Payload:        []byte(row.Payload),
		RetryCount:     row.RetryCount,
		LastError:      row.LastError,
		CreatedAt:      row.CreatedAt,
		PublishedAt:    row.PublishedAt,
		LastErrorAt:    row.LastErrorAt,
		ClaimToken:     row.ClaimToken,
		ClaimUntil:     row.ClaimUntil,
		DeadLetteredAt: row.DeadLetteredAt,
	}
}

func isUniqueViolation(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
