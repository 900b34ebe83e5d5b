package ports

import (
	"context"

	"github.com/zhiquai/aigrading/internal/gateway"
)

// JudgmentGateway is the AI side of grading.
type JudgmentGateway interface {
	Judge(ctx context.Context, req gateway.JudgeRequest) (gateway.Judgment, error)
	Providers() []string
}
