package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"gnosis_go/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "executions.db")
	reg, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg, dbPath
}

func testEnvelope(t *testing.T, asset string) domain.OrderEnvelope {
	t.Helper()
	env, err := domain.NewEnvelope(domain.OrderInstruction{
		Action:       domain.ActionOpen,
		Asset:        asset,
		StrategyType: "hedge",
		SizeDelta:    10,
		NotionalRisk: decimal.NewFromInt(1000),
		Reason:       "test",
		SourceIdea:   map[string]any{"idea_id": "idea-" + asset},
	}, domain.OrderTypeMarket, nil)
	if err != nil {
		t.Fatalf("Failed to build envelope: %v", err)
	}
	return env
}

func TestCreateEnvelope_NewAndDuplicate(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	env := testEnvelope(t, "SPY")
	created, isNew, err := reg.CreateEnvelope(ctx, env)
	if err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	if !isNew {
		t.Fatal("first create should report new")
	}
	if created.OrderID != env.OrderID {
		t.Errorf("order ID changed on create: %s", created.OrderID)
	}

	// A second envelope for the same instruction has a fresh order ID but
	// the same key; create must return the winner unchanged.
	dup := testEnvelope(t, "SPY")
	existing, isNew, err := reg.CreateEnvelope(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate CreateEnvelope failed: %v", err)
	}
	if isNew {
		t.Fatal("duplicate create should not report new")
	}
	if existing.OrderID != env.OrderID {
		t.Errorf("duplicate returned wrong order: %s, want %s", existing.OrderID, env.OrderID)
	}

	all, err := reg.GetAll(ctx, 10)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected exactly one record, got %d", len(all))
	}
	if len(all[0].History) != 1 || all[0].History[0].To != domain.StatusPending {
		t.Errorf("expected single-entry created history, got %+v", all[0].History)
	}
}

func TestCrashSafety_ReopenPreservesState(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "executions.db")
	reg, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open registry: %v", err)
	}

	ctx := context.Background()
	env := testEnvelope(t, "QQQ")
	if _, _, err := reg.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	brokerID := "brk-1"
	if err := reg.UpdateStatus(ctx, env.OrderID, domain.StatusSubmitted, StatusUpdate{BrokerOrderID: &brokerID}); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.GetByIdempotencyKey(ctx, env.IdempotencyKey)
	if err != nil {
		t.Fatalf("GetByIdempotencyKey after reopen failed: %v", err)
	}
	if got.Status != domain.StatusSubmitted {
		t.Errorf("status lost across restart: %s", got.Status)
	}
	if got.BrokerOrderID != "brk-1" {
		t.Errorf("broker order ID lost across restart: %s", got.BrokerOrderID)
	}
}

func TestUpdateStatus_PartialFieldsPreserved(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	env := testEnvelope(t, "IWM")
	if _, _, err := reg.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}

	brokerID := "brk-7"
	if err := reg.UpdateStatus(ctx, env.OrderID, domain.StatusSubmitted, StatusUpdate{BrokerOrderID: &brokerID}); err != nil {
		t.Fatalf("UpdateStatus to SUBMITTED failed: %v", err)
	}

	// Fill update omits the broker ID; it must not be cleared.
	price := decimal.NewFromFloat(221.15)
	qty := int64(10)
	if err := reg.UpdateStatus(ctx, env.OrderID, domain.StatusFilled, StatusUpdate{FillPrice: &price, FilledQty: &qty}); err != nil {
		t.Fatalf("UpdateStatus to FILLED failed: %v", err)
	}

	rec, err := reg.GetByID(ctx, env.OrderID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.Status != domain.StatusFilled {
		t.Errorf("status = %s, want FILLED", rec.Status)
	}
	if rec.BrokerOrderID != "brk-7" {
		t.Errorf("broker order ID was clobbered: %q", rec.BrokerOrderID)
	}
	if rec.FillPrice == nil || !rec.FillPrice.Equal(price) {
		t.Errorf("fill price = %v, want %s", rec.FillPrice, price)
	}
	if rec.FilledQty == nil || *rec.FilledQty != qty {
		t.Errorf("filled qty = %v, want %d", rec.FilledQty, qty)
	}
}

func TestUpdateStatus_TerminalImmutable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	env := testEnvelope(t, "VXX")
	if _, _, err := reg.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}
	if err := reg.UpdateStatus(ctx, env.OrderID, domain.StatusFilled, StatusUpdate{}); err != nil {
		t.Fatalf("UpdateStatus to FILLED failed: %v", err)
	}

	// Any transition out of a terminal status is refused at the storage
	// boundary, regardless of caller discipline.
	for _, next := range []domain.Status{domain.StatusCancelled, domain.StatusSubmitted, domain.StatusError} {
		err := reg.UpdateStatus(ctx, env.OrderID, next, StatusUpdate{})
		if !errors.Is(err, ErrTerminalStatus) {
			t.Errorf("transition FILLED -> %s: expected ErrTerminalStatus, got %v", next, err)
		}
	}

	rec, err := reg.GetByID(ctx, env.OrderID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if rec.Status != domain.StatusFilled {
		t.Errorf("status = %s, want FILLED unchanged", rec.Status)
	}
	if len(rec.History) != 2 {
		t.Errorf("refused updates must not append history, got %d entries", len(rec.History))
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.UpdateStatus(context.Background(), "no-such-order", domain.StatusCancelled, StatusUpdate{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHistoryAppendOnly(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	env := testEnvelope(t, "TLT")
	if _, _, err := reg.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}

	statuses := []domain.Status{domain.StatusSubmitted, domain.StatusPartiallyFilled, domain.StatusFilled}
	var prev []domain.Transition
	for i, status := range statuses {
		if err := reg.UpdateStatus(ctx, env.OrderID, status, StatusUpdate{}); err != nil {
			t.Fatalf("UpdateStatus failed: %v", err)
		}
		rec, err := reg.GetByID(ctx, env.OrderID)
		if err != nil {
			t.Fatalf("GetByID failed: %v", err)
		}
		if len(rec.History) != i+2 {
			t.Fatalf("history length = %d, want %d", len(rec.History), i+2)
		}
		// Prior entries must be byte-for-byte stable.
		for j, tr := range prev {
			if trEqualable(rec.History[j]) != trEqualable(tr) {
				t.Errorf("history entry %d changed: %+v vs %+v", j, rec.History[j], tr)
			}
		}
		prev = rec.History
	}

	rec, _ := reg.GetByID(ctx, env.OrderID)
	last := rec.History[len(rec.History)-1]
	if last.From != domain.StatusPartiallyFilled || last.To != domain.StatusFilled {
		t.Errorf("last transition = %s -> %s", last.From, last.To)
	}
}

// trEqualable strips pointer fields so transitions compare by value.
func trEqualable(tr domain.Transition) domain.Transition {
	tr.FillPrice = nil
	tr.FilledQty = nil
	return tr
}

func TestIncrementRetry(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	env := testEnvelope(t, "GLD")
	if _, _, err := reg.CreateEnvelope(ctx, env); err != nil {
		t.Fatalf("CreateEnvelope failed: %v", err)
	}

	for want := 1; want <= 3; want++ {
		got, err := reg.IncrementRetry(ctx, env.OrderID)
		if err != nil {
			t.Fatalf("IncrementRetry failed: %v", err)
		}
		if got != want {
			t.Errorf("retry count = %d, want %d", got, want)
		}
	}

	if _, err := reg.IncrementRetry(ctx, "no-such-order"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueries_RecentFirst(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	assets := []string{"A1", "A2", "A3", "A4"}
	base := int64(1_000_000)
	for i, asset := range assets {
		env := testEnvelope(t, asset)
		env.CreatedUnixM = base + int64(i)
		env.UpdatedUnixM = env.CreatedUnixM
		if _, _, err := reg.CreateEnvelope(ctx, env); err != nil {
			t.Fatalf("CreateEnvelope failed: %v", err)
		}
	}

	all, err := reg.GetAll(ctx, 3)
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 records, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].CreatedUnixM < all[i].CreatedUnixM {
			t.Error("GetAll not ordered most-recent-first")
		}
	}

	pending, err := reg.GetByStatus(ctx, domain.StatusPending)
	if err != nil {
		t.Fatalf("GetByStatus failed: %v", err)
	}
	if len(pending) != 4 {
		t.Errorf("expected 4 PENDING records, got %d", len(pending))
	}

	filled, err := reg.GetByStatus(ctx, domain.StatusFilled)
	if err != nil {
		t.Fatalf("GetByStatus failed: %v", err)
	}
	if len(filled) != 0 {
		t.Errorf("expected no FILLED records, got %d", len(filled))
	}
}

func TestGetByID_NotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)

	if _, err := reg.GetByID(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.GetByIdempotencyKey(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
