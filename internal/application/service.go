package application

import (
	"log/slog"
	"time"

	"github.com/zhiquai/aigrading/internal/ports"
)

const (
	endpointActivate = "licenses.activate"
	endpointEvaluate = "grading.evaluate"
)

type Config struct {
	// DeviceFreeQuota seeds the quota of an unbound device scope. Zero disables the free tier.
	DeviceFreeQuota    int64
	IdempotencyTTL     time.Duration
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	GradingTask        string
	CommitTimeout      time.Duration
	CodePrefix         string
	MaxImageBytes      int
}

type Service struct {
	cfg         Config
	licenses    ports.LicenseRepository
	quotas      ports.QuotaRepository
	idempotency ports.IdempotencyRepository
	grading     ports.GradingRepository
	rubrics     ports.RubricRepository
	settings    ports.SettingsRepository
	limiter     ports.RateLimiter
	judge       ports.JudgmentGateway
	admin       ports.AdminTokenVerifier
	logger      *slog.Logger
	nowFn       func() time.Time
}

type Dependencies struct {
	Config       Config
	Repositories ports.Repositories
	RateLimiter  ports.RateLimiter
	Judge        ports.JudgmentGateway
	AdminTokens  ports.AdminTokenVerifier
	Logger       *slog.Logger
	Clock        func() time.Time
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	if cfg.GradingTask == "" {
		cfg.GradingTask = "grading"
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 10 * time.Second
	}
	if cfg.CodePrefix == "" {
		cfg.CodePrefix = "AIG"
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 8 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := deps.Clock
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		cfg:         cfg,
		licenses:    deps.Repositories.Licenses,
		quotas:      deps.Repositories.Quotas,
		idempotency: deps.Repositories.Idempotency,
		grading:     deps.Repositories.Grading,
		rubrics:     deps.Repositories.Rubrics,
		settings:    deps.Repositories.Settings,
		limiter:     deps.RateLimiter,
		judge:       deps.Judge,
		admin:       deps.AdminTokens,
		logger:      logger.With("module", "application", "layer", "application"),
		nowFn:       nowFn,
	}
}
