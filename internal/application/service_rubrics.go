package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/zhiquai/aigrading/internal/domain"
)

const (
	maxQuestionKeyLen  = 128
	defaultRecordLimit = 20
	maxRecordLimit     = 100
)

func normalizeQuestionKey(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if key == "" || len(key) > maxQuestionKeyLen {
		return "", fmt.Errorf("%w: questionKey must be 1..%d characters", domain.ErrInvalidRequest, maxQuestionKeyLen)
	}
	return key, nil
}

func (s *Service) ListRubrics(ctx context.Context, identity domain.ScopeIdentity) ([]domain.StoredRubric, error) {
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.rubrics.List(ctx, scope.ScopeKey)
}

func (s *Service) GetRubric(ctx context.Context, identity domain.ScopeIdentity, questionKey string) (domain.StoredRubric, error) {
	key, err := normalizeQuestionKey(questionKey)
	if err != nil {
		return domain.StoredRubric{}, err
	}
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return domain.StoredRubric{}, err
	}
	return s.rubrics.Get(ctx, scope.ScopeKey, key)
}

// PutRubric validates and stores a rubric. A write whose updatedAt is not newer than the
// stored copy fails with ErrRubricConflict so two devices cannot silently overwrite each other.
func (s *Service) PutRubric(ctx context.Context, identity domain.ScopeIdentity, questionKey string, raw json.RawMessage) (domain.StoredRubric, error) {
	key, err := normalizeQuestionKey(questionKey)
	if err != nil {
		return domain.StoredRubric{}, err
	}
	if identity.ScopeType == domain.ScopeAnonymous {
		return domain.StoredRubric{}, fmt.Errorf("%w: a device id or activation code is required", domain.ErrUnauthorized)
	}
	rubric, err := decodeRubric(raw)
	if err != nil {
		return domain.StoredRubric{}, err
	}
	if err := rubric.Validate(); err != nil {
		return domain.StoredRubric{}, err
	}
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return domain.StoredRubric{}, err
	}

	now := s.nowFn()
	if rubric.UpdatedAt.IsZero() {
		rubric.UpdatedAt = now
	}
	if rubric.CreatedAt.IsZero() {
		rubric.CreatedAt = rubric.UpdatedAt
	}
	stored, err := s.rubrics.Upsert(ctx, domain.StoredRubric{
		ScopeKey:    scope.ScopeKey,
		QuestionKey: key,
		Rubric:      rubric,
		CreatedAt:   rubric.CreatedAt,
		UpdatedAt:   rubric.UpdatedAt,
	})
	if err != nil {
		return domain.StoredRubric{}, err
	}
	s.logger.InfoContext(ctx, "rubric stored",
		"operation", "put_rubric",
		"outcome", "success",
		"scope_key", scope.ScopeKey,
		"question_key", key,
		"strategy", string(rubric.StrategyType),
	)
	return stored, nil
}

func (s *Service) DeleteRubric(ctx context.Context, identity domain.ScopeIdentity, questionKey string) error {
	key, err := normalizeQuestionKey(questionKey)
	if err != nil {
		return err
	}
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return err
	}
	return s.rubrics.Delete(ctx, scope.ScopeKey, key)
}

// ListRecords pages grading history newest first.
func (s *Service) ListRecords(ctx context.Context, identity domain.ScopeIdentity, q RecordsQuery) ([]domain.GradingRecord, error) {
	if q.Limit <= 0 {
		q.Limit = defaultRecordLimit
	}
	if q.Limit > maxRecordLimit {
		q.Limit = maxRecordLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.grading.ListRecords(ctx, scope.ScopeKey, q.Limit, q.Offset)
}

func (s *Service) DeleteRecord(ctx context.Context, identity domain.ScopeIdentity, recordID string) error {
	id, err := uuid.Parse(strings.TrimSpace(recordID))
	if err != nil {
		return fmt.Errorf("%w: recordId must be a uuid", domain.ErrInvalidRequest)
	}
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return err
	}
	return s.grading.DeleteRecord(ctx, scope.ScopeKey, id)
}

// GetSettings returns stored settings or the defaults for a scope that never saved any.
func (s *Service) GetSettings(ctx context.Context, identity domain.ScopeIdentity) (domain.ScopeSettings, error) {
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return domain.ScopeSettings{}, err
	}
	settings, err := s.settings.Get(ctx, scope.ScopeKey)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ScopeSettings{ScopeKey: scope.ScopeKey, PreferredProviders: []string{}}, nil
	}
	return settings, err
}

func (s *Service) PutSettings(ctx context.Context, identity domain.ScopeIdentity, req SettingsRequest) (domain.ScopeSettings, error) {
	if identity.ScopeType == domain.ScopeAnonymous {
		return domain.ScopeSettings{}, fmt.Errorf("%w: a device id or activation code is required", domain.ErrUnauthorized)
	}
	known := make(map[string]string)
	for _, name := range s.judge.Providers() {
		known[strings.ToLower(name)] = name
	}
	preferred := make([]string, 0, len(req.PreferredProviders))
	seen := make(map[string]struct{})
	for _, raw := range req.PreferredProviders {
		name, ok := known[strings.ToLower(strings.TrimSpace(raw))]
		if !ok {
			return domain.ScopeSettings{}, fmt.Errorf("%w: unknown provider %q", domain.ErrInvalidRequest, raw)
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		preferred = append(preferred, name)
	}
	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return domain.ScopeSettings{}, err
	}
	return s.settings.Upsert(ctx, domain.ScopeSettings{
		ScopeKey:           scope.ScopeKey,
		PreferredProviders: preferred,
		DefaultSubject:     strings.TrimSpace(req.DefaultSubject),
		UpdatedAt:          s.nowFn(),
	})
}
