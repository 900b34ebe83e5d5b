package postgres

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/zhiquai/aigrading/internal/domain"
	"github.com/zhiquai/aigrading/internal/ports"
)

// openTestDB connects to AIGRADING_TEST_POSTGRES_URL and applies migrations.
// Every test works on freshly generated codes and scope keys so runs do not interfere.
func openTestDB(t *testing.T) (*gorm.DB, ports.Repositories) {
	t.Helper()
	dsn := os.Getenv("AIGRADING_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("AIGRADING_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, dsn, 20)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, NewRepositories(db)
}

func uniqueCode(prefix string) string {
	return prefix + "-" + strings.ToUpper(uuid.NewString()[:8])
}

func createCode(t *testing.T, repos ports.Repositories, code string, codeType domain.CodeType, quota int64, maxDevices int) {
	t.Helper()
	now := time.Now().UTC()
	if _, err := repos.Licenses.CreateCode(context.Background(), domain.LicenseCode{
		Code: code, CodeType: codeType, TotalQuota: quota, MaxDevices: maxDevices, IsEnabled: true,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("create code: %v", err)
	}
}

func staticRender[T any](status int, body string) ports.RenderFunc[T] {
	return func(T) (ports.StoredResponse, error) {
		return ports.StoredResponse{StatusCode: status, Body: []byte(body)}, nil
	}
}

func TestPostgresConsumeStopsAtZero(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	scope := domain.DeviceScopeKey(uuid.NewString())
	now := time.Now().UTC()
	if _, err := repos.Quotas.Ensure(ctx, scope, 1, now); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	res, err := repos.Quotas.Consume(ctx, scope, 1, now)
	if err != nil || res.Remaining != 0 {
		t.Fatalf("first consume: %+v %v", res, err)
	}
	if _, err := repos.Quotas.Consume(ctx, scope, 1, now); !errors.Is(err, domain.ErrQuotaInsufficient) {
		t.Fatalf("expected quota insufficient, got %v", err)
	}
	q, err := repos.Quotas.Get(ctx, scope)
	if err != nil || q.Remaining != 0 {
		t.Fatalf("balance must stay at zero: %+v %v", q, err)
	}
}

func TestPostgresTrialCodeExpiresWhenExhausted(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	code := uniqueCode("TRIAL")
	createCode(t, repos, code, domain.CodeTypeTrial, 1, 1)
	now := time.Now().UTC()
	if _, _, err := repos.Licenses.Activate(ctx, ports.ActivateTxParams{Code: code, DeviceID: uuid.NewString(), Now: now},
		staticRender[ports.ActivationOutcome](201, `{}`)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	res, err := repos.Quotas.Consume(ctx, domain.ActivationScopeKey(code), 1, now)
	if err != nil || !res.TrialExpired {
		t.Fatalf("expected trial expiry, got %+v %v", res, err)
	}
	lic, err := repos.Licenses.GetCode(ctx, code)
	if err != nil || !lic.IsExpired(now) {
		t.Fatalf("trial code must be expired: %+v %v", lic, err)
	}
}

func TestPostgresConcurrentActivationBindsOnce(t *testing.T) {
	db, repos := openTestDB(t)
	code := uniqueCode("RACE")
	createCode(t, repos, code, domain.CodeTypeStandard, 10, 1)
	devices := []string{uuid.NewString(), uuid.NewString()}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		rejected int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			out, _, err := repos.Licenses.Activate(context.Background(), ports.ActivateTxParams{
				Code: code, DeviceID: device, Now: time.Now().UTC(),
			}, staticRender[ports.ActivationOutcome](200, `{}`))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, domain.ErrDeviceLimitReached):
				rejected++
			case err != nil:
				t.Errorf("activate: %v", err)
			case !out.AlreadyBound:
				fresh++
			}
		}(devices[i%2])
	}
	wg.Wait()

	var rows int64
	if err := db.Model(&licenseBindingModel{}).Where("code = ?", code).Count(&rows).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 || fresh != 1 || rejected != 6 {
		t.Fatalf("expected one binding, got rows=%d fresh=%d rejected=%d", rows, fresh, rejected)
	}
}

func TestPostgresActivateSameKeyReplays(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	code := uniqueCode("IDEM")
	createCode(t, repos, code, domain.CodeTypeStandard, 10, 2)
	device := uuid.NewString()
	now := time.Now().UTC()
	params := ports.ActivateTxParams{
		Code: code, DeviceID: device, Now: now,
		Idempotency: &ports.IdempotencyEntry{
			ScopeKey: domain.DeviceScopeKey(device), Endpoint: "licenses.activate", Key: "k", RequestHash: "h",
			ExpiresAt: now.Add(time.Hour),
		},
	}
	if _, _, err := repos.Licenses.Activate(ctx, params, staticRender[ports.ActivationOutcome](201, `{"alreadyBound":false}`)); err != nil {
		t.Fatalf("first activation: %v", err)
	}
	_, _, err := repos.Licenses.Activate(ctx, params, staticRender[ports.ActivationOutcome](200, `{"alreadyBound":true}`))
	var dup *ports.DuplicateRequestError
	if !errors.As(err, &dup) || dup.Response.StatusCode != 201 {
		t.Fatalf("expected replay of the first response, got %v", err)
	}

	params.Idempotency.RequestHash = "other"
	if _, _, err := repos.Licenses.Activate(ctx, params, staticRender[ports.ActivationOutcome](200, `{}`)); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestPostgresCommitSameKeyChargesOnce(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	scope := domain.DeviceScopeKey(uuid.NewString())
	now := time.Now().UTC()
	if _, err := repos.Quotas.Ensure(ctx, scope, 3, now); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	params := func() ports.CommitGradingParams {
		return ports.CommitGradingParams{
			Record: domain.GradingRecord{
				ID: uuid.New(), ScopeKey: scope, Score: decimal.NewFromInt(1), MaxScore: decimal.NewFromInt(2),
				Breakdown: []domain.BreakdownEntry{}, Provider: "stub", Model: "stub-1", CreatedAt: now,
			},
			Amount:      1,
			Event:       ports.OutboxEvent{EventID: uuid.New(), EventType: "grading.completed", PartitionKey: scope, Payload: []byte(`{}`), OccurredAt: now},
			Idempotency: &ports.IdempotencyEntry{ScopeKey: scope, Endpoint: "grading.evaluate", Key: "k", RequestHash: "h", ExpiresAt: now.Add(time.Hour)},
		}
	}
	if _, _, err := repos.Grading.Commit(ctx, params(), staticRender[ports.GradingCommit](200, `{"n":1}`)); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	_, _, err := repos.Grading.Commit(ctx, params(), staticRender[ports.GradingCommit](200, `{"n":2}`))
	var dup *ports.DuplicateRequestError
	if !errors.As(err, &dup) || !strings.Contains(string(dup.Response.Body), `"n":1`) {
		t.Fatalf("expected replay of the first commit, got %v", err)
	}
	q, _ := repos.Quotas.Get(ctx, scope)
	if q.Remaining != 2 {
		t.Fatalf("duplicate must roll back its charge, remaining=%d", q.Remaining)
	}
	records, err := repos.Grading.ListRecords(ctx, scope, 10, 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected one record, got %d (%v)", len(records), err)
	}
}

func TestPostgresRubricUpsertRequiresNewerTimestamp(t *testing.T) {
	_, repos := openTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	base := domain.StoredRubric{
		ScopeKey:    domain.DeviceScopeKey(uuid.NewString()),
		QuestionKey: "q1",
		Rubric:      domain.Rubric{StrategyType: domain.StrategyPointAccumulation},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := repos.Rubrics.Upsert(ctx, base); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if _, err := repos.Rubrics.Upsert(ctx, base); !errors.Is(err, domain.ErrRubricConflict) {
		t.Fatalf("expected conflict for equal timestamp, got %v", err)
	}
	newer := base
	newer.UpdatedAt = now.Add(time.Minute)
	if _, err := repos.Rubrics.Upsert(ctx, newer); err != nil {
		t.Fatalf("newer upsert: %v", err)
	}
}
