package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewEnvelope(t *testing.T) {
	limit := decimal.NewFromFloat(450.25)
	env, err := NewEnvelope(testInstruction(), OrderTypeLimit, &limit)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	if env.OrderID == "" {
		t.Error("expected a generated order ID")
	}
	if env.IdempotencyKey == "" {
		t.Error("expected a computed idempotency key")
	}
	if env.Status != StatusPending {
		t.Errorf("expected PENDING, got %s", env.Status)
	}
	if env.CreatedUnixM == 0 || env.UpdatedUnixM == 0 {
		t.Error("expected creation timestamps to be set")
	}
	if env.LimitPrice == nil || !env.LimitPrice.Equal(limit) {
		t.Errorf("limit price not preserved: %v", env.LimitPrice)
	}

	// Distinct envelopes for the same instruction share a key but never an ID.
	other, _ := NewEnvelope(testInstruction(), OrderTypeLimit, &limit)
	if other.OrderID == env.OrderID {
		t.Error("order IDs must be unique per envelope")
	}
	if other.IdempotencyKey != env.IdempotencyKey {
		t.Error("same instruction must produce the same idempotency key")
	}
}

func TestRecordEnvelopeRoundtrip(t *testing.T) {
	instr := OrderInstruction{
		Action:       ActionAdjust,
		Asset:        "IWM",
		StrategyType: "wyckoff",
		SizeDelta:    -25,
		NotionalRisk: decimal.NewFromFloat(1200.50),
		Reason:       "distribution phase",
		SourceIdea:   map[string]any{"idea_id": "idea-7", "score": 0.5},
	}

	env, err := NewEnvelope(instr, OrderTypeMarket, nil)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	rec, err := env.Record()
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	back, err := rec.Envelope()
	if err != nil {
		t.Fatalf("Envelope failed: %v", err)
	}

	if back.OrderID != env.OrderID || back.IdempotencyKey != env.IdempotencyKey {
		t.Error("identity fields lost in roundtrip")
	}
	if back.Instruction.Asset != instr.Asset || back.Instruction.SizeDelta != instr.SizeDelta {
		t.Error("instruction fields lost in roundtrip")
	}
	if !back.Instruction.NotionalRisk.Equal(instr.NotionalRisk) {
		t.Errorf("notional risk lost: %s", back.Instruction.NotionalRisk)
	}
	if got := back.Instruction.SourceIdea["idea_id"]; got != "idea-7" {
		t.Errorf("source idea lost: %v", got)
	}
}

func TestDerivedTimestamps(t *testing.T) {
	env, _ := NewEnvelope(testInstruction(), OrderTypeMarket, nil)
	rec, _ := env.Record()

	// Never submitted: both derived timestamps are zero.
	rec.History = []Transition{{AtUnixM: 100, To: StatusPending}}
	got, _ := rec.Envelope()
	if got.SubmittedUnixM != 0 || got.FilledUnixM != 0 {
		t.Errorf("expected zero derived timestamps, got %d/%d", got.SubmittedUnixM, got.FilledUnixM)
	}

	// Timestamps come from the first transition into each status.
	rec.History = []Transition{
		{AtUnixM: 100, To: StatusPending},
		{AtUnixM: 200, From: StatusPending, To: StatusSubmitted},
		{AtUnixM: 300, From: StatusSubmitted, To: StatusPartiallyFilled},
		{AtUnixM: 400, From: StatusPartiallyFilled, To: StatusFilled},
	}
	got, _ = rec.Envelope()
	if got.SubmittedUnixM != 200 {
		t.Errorf("SubmittedUnixM = %d, want 200", got.SubmittedUnixM)
	}
	if got.FilledUnixM != 400 {
		t.Errorf("FilledUnixM = %d, want 400", got.FilledUnixM)
	}
}

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status      Status
		terminal    bool
		cancellable bool
	}{
		{StatusPending, false, true},
		{StatusSubmitted, false, true},
		{StatusPartiallyFilled, false, false},
		{StatusFilled, true, false},
		{StatusRejected, true, false},
		{StatusCancelled, true, false},
		{StatusExpired, true, false},
		{StatusError, true, false},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
		if got := tt.status.Cancellable(); got != tt.cancellable {
			t.Errorf("%s.Cancellable() = %v, want %v", tt.status, got, tt.cancellable)
		}
	}
}
