package bootstrap

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/zhiquai/aigrading/internal/domain"
)

func TestConfigureNumberEncodingWritesScoresAsNumbers(t *testing.T) {
	configureNumberEncoding()

	raw, err := json.Marshal(domain.BreakdownEntry{
		ItemID:  "p1",
		Awarded: decimal.RequireFromString("1.5"),
		Max:     decimal.NewFromInt(2),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"awarded":1.5`) || !strings.Contains(string(raw), `"max":2`) {
		t.Fatalf("expected unquoted scores, got %s", raw)
	}
}
