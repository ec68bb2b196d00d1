package auditlog

import (
	"bytes"
	"context"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/forecast-core/internal/domain"
)

func TestLog_NeverReturnsAnError(t *testing.T) {
	var buf bytes.Buffer
	sink := New(log.New(&buf, "", 0))

	err := sink.Log(context.Background(), domain.AuditEntry{
		Timestamp:  time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		ActionType: domain.ActionForecastGenerated,
		ItemID:     "milk",
		Outcome:    domain.OutcomeSuccess,
		Details:    map[string]any{"horizon_days": 14},
	})
	if err != nil {
		t.Fatalf("Log returned an error: %v", err)
	}
	if !strings.Contains(buf.String(), "forecast_generated") || !strings.Contains(buf.String(), "milk") {
		t.Errorf("log output missing expected fields: %s", buf.String())
	}
}

func TestLog_OmitsItemFieldWhenEntryHasNoSubject(t *testing.T) {
	var buf bytes.Buffer
	sink := New(log.New(&buf, "", 0))

	if err := sink.Log(context.Background(), domain.AuditEntry{
		ActionType: domain.ActionRetrainFailed,
		Outcome:    domain.OutcomeFailure,
	}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if strings.Contains(buf.String(), "item=") {
		t.Errorf("expected no item= field for a subjectless entry, got: %s", buf.String())
	}
}
