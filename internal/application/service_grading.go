package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/gateway"
	"github.com/zhiquai/aigrading/internal/ports"
	"github.com/zhiquai/aigrading/internal/scoring"
)

// Evaluate grades one answer image. The AI call happens only after input, license,
// rubric, rate and quota checks pass; quota is charged in the same transaction that
// stores the record, so a failed judgment never costs quota.
func (s *Service) Evaluate(ctx context.Context, identity domain.ScopeIdentity, req EvaluateRequest, idempotencyKey string) (Reply, error) {
	start := time.Now()
	image, err := decodeImage(req.ImageBase64, s.cfg.MaxImageBytes)
	if err != nil {
		return Reply{}, err
	}
	req.QuestionKey = strings.TrimSpace(req.QuestionKey)
	if len(req.Rubric) == 0 && req.QuestionKey == "" {
		return Reply{}, fmt.Errorf("%w: rubric or questionKey is required", domain.ErrInvalidRequest)
	}

	scope, err := s.effectiveIdentity(ctx, identity)
	if err != nil {
		return Reply{}, err
	}
	requestHash := hashRequest(req)
	if replayed, err := s.replay(ctx, scope.ScopeKey, endpointEvaluate, idempotencyKey, requestHash); err != nil || replayed != nil {
		if err != nil {
			return Reply{}, err
		}
		return *replayed, nil
	}

	rubric, err := s.resolveRubric(ctx, scope.ScopeKey, req)
	if err != nil {
		return Reply{}, err
	}
	if err := rubric.Validate(); err != nil {
		return Reply{}, err
	}
	if err := s.authorizeGrading(ctx, scope); err != nil {
		return Reply{}, err
	}
	if err := s.enforceRateLimit(ctx, scope.ScopeKey); err != nil {
		return Reply{}, err
	}

	// Advisory: avoids a billable AI call when the pool is already empty.
	quota, err := s.quotas.Get(ctx, scope.ScopeKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Reply{}, domain.ErrQuotaInsufficient
		}
		return Reply{}, fmt.Errorf("load quota: %w", err)
	}
	if quota.Remaining < 1 {
		return Reply{}, domain.ErrQuotaInsufficient
	}

	systemPrompt, userPrompt, err := gradingPrompts(rubric)
	if err != nil {
		return Reply{}, err
	}
	judgment, err := s.judge.Judge(ctx, gateway.JudgeRequest{
		Task:               s.cfg.GradingTask,
		SystemPrompt:       systemPrompt,
		UserPrompt:         userPrompt,
		Images:             []gateway.Image{image},
		PreferredProviders: s.preferredProviders(ctx, scope.ScopeKey),
		Accept: func(raw json.RawMessage) error {
			_, err := domain.DecodeVerdict(raw)
			return err
		},
	})
	if err != nil {
		return Reply{}, err
	}
	verdict, err := domain.DecodeVerdict(judgment.JSON)
	if err != nil {
		return Reply{}, err
	}
	result, err := scoring.Score(rubric, verdict)
	if err != nil {
		return Reply{}, err
	}

	now := s.nowFn()
	studentName := strings.TrimSpace(req.StudentName)
	if studentName == "" {
		studentName = verdict.StudentName
	}
	record := domain.GradingRecord{
		ID:          uuid.New(),
		ScopeKey:    scope.ScopeKey,
		StudentName: studentName,
		QuestionNo:  strings.TrimSpace(req.QuestionNo),
		QuestionKey: req.QuestionKey,
		Score:       result.Score,
		MaxScore:    result.MaxScore,
		Breakdown:   result.Breakdown,
		Comment:     verdict.Comment,
		Provider:    judgment.Provider,
		Model:       judgment.Model,
		CreatedAt:   now,
	}
	payload, _ := json.Marshal(map[string]any{
		"record_id": record.ID,
		"scope_key": record.ScopeKey,
		"score":     record.Score,
		"max_score": record.MaxScore,
		"provider":  record.Provider,
		"model":     record.Model,
		"graded_at": now,
	})

	// The provider call has already been made; finish charging even if the caller went away.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()
	commit, stored, err := s.grading.Commit(commitCtx, ports.CommitGradingParams{
		Record: record,
		Amount: 1,
		Event: ports.OutboxEvent{
			EventID:      uuid.New(),
			EventType:    "grading.completed",
			PartitionKey: record.ScopeKey,
			Payload:      payload,
			OccurredAt:   now,
		},
		Idempotency: s.ledgerEntry(scope.ScopeKey, endpointEvaluate, idempotencyKey, requestHash),
	}, func(c ports.GradingCommit) (ports.StoredResponse, error) {
		return render(http.StatusOK, EvaluateResponse{
			Score:          c.Record.Score,
			MaxScore:       c.Record.MaxScore,
			Breakdown:      c.Record.Breakdown,
			Ignored:        result.Ignored,
			Provider:       c.Record.Provider,
			Model:          c.Record.Model,
			RemainingQuota: c.Remaining,
			RecordID:       c.Record.ID,
			StudentName:    c.Record.StudentName,
			Comment:        c.Record.Comment,
		})
	})
	if reply, ok := s.concurrentReplay(ctx, endpointEvaluate, scope.ScopeKey, err); ok {
		return *reply, nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "grading commit failed",
			"operation", endpointEvaluate,
			"outcome", "failure",
			"scope_key", scope.ScopeKey,
			"provider", judgment.Provider,
			"error", err,
		)
		return Reply{}, err
	}

	s.logger.InfoContext(ctx, "grading completed",
		"operation", endpointEvaluate,
		"outcome", "success",
		"scope_key", scope.ScopeKey,
		"record_id", commit.Record.ID,
		"provider", judgment.Provider,
		"model", judgment.Model,
		"score", commit.Record.Score.String(),
		"max_score", commit.Record.MaxScore.String(),
		"remaining", commit.Remaining,
		"trial_expired", commit.TrialExpired,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Reply{StatusCode: stored.StatusCode, Body: stored.Body}, nil
}

// resolveRubric prefers an inline rubric and falls back to the stored one for questionKey.
func (s *Service) resolveRubric(ctx context.Context, scopeKey string, req EvaluateRequest) (domain.Rubric, error) {
	if len(req.Rubric) > 0 && strings.TrimSpace(string(req.Rubric)) != "null" {
		return decodeRubric(req.Rubric)
	}
	stored, err := s.rubrics.Get(ctx, scopeKey, req.QuestionKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Rubric{}, fmt.Errorf("%w: no rubric stored for questionKey %q", domain.ErrInvalidRequest, req.QuestionKey)
		}
		return domain.Rubric{}, fmt.Errorf("load rubric: %w", err)
	}
	return stored.Rubric, nil
}

func decodeRubric(raw json.RawMessage) (domain.Rubric, error) {
	var r domain.Rubric
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.Rubric{}, &domain.RubricFormatError{Violations: []string{"rubric is not valid JSON: " + err.Error()}}
	}
	return r, nil
}

func (s *Service) preferredProviders(ctx context.Context, scopeKey string) []string {
	settings, err := s.settings.Get(ctx, scopeKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "scope settings unavailable; using default provider order",
				"operation", "load_settings",
				"outcome", "warning",
				"scope_key", scopeKey,
				"error", err,
			)
		}
		return nil
	}
	return settings.PreferredProviders
}
