package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gnosis_go/internal/domain"
)

// Behavior scripts how the simulator treats incoming submissions. Zero value
// means: fill immediately at FillPrice for the full instructed quantity.
type Behavior struct {
	FillPrice       decimal.Decimal
	PartialQty      int64 // when non-zero, fill only this quantity
	Resting         bool  // accept without filling; order stays working
	Reject          bool
	RejectReason    string
	NetworkFailures int           // raise NetworkError this many times before succeeding
	FatalMessage    string        // when set, every submit fails fatally
	Latency         time.Duration // simulated venue latency per call
}

type simOrder struct {
	status domain.Status
	asset  string
	qty    int64
	price  decimal.Decimal
}

// Sim simulates a broker with virtual cash and positions. Used for
// pre-production validation and as the test double for the orchestrator.
// Thread-safe.
type Sim struct {
	mu        sync.Mutex
	behavior  Behavior
	cash      decimal.Decimal
	positions map[string]int64
	prices    map[string]decimal.Decimal
	orders    map[string]*simOrder

	netFailuresLeft int
	submitCalls     int
	cancelCalls     int
	seq             int
}

var _ Broker = (*Sim)(nil)

// NewSim creates a simulator with the given starting cash balance.
func NewSim(initialCash decimal.Decimal) *Sim {
	return &Sim{
		cash:      initialCash,
		positions: make(map[string]int64),
		prices:    make(map[string]decimal.Decimal),
		orders:    make(map[string]*simOrder),
	}
}

// SetBehavior replaces the submission script and re-arms its failure budget.
func (s *Sim) SetBehavior(b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior = b
	s.netFailuresLeft = b.NetworkFailures
}

// SubmitCalls returns how many submit attempts the venue has seen.
func (s *Sim) SubmitCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls
}

// CancelCalls returns how many cancel requests the venue has seen.
func (s *Sim) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}

// SetOrderStatus overrides a venue-side order state, e.g. to simulate a
// resting order filling while nobody is watching.
func (s *Sim) SetOrderStatus(brokerOrderID string, status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ord, ok := s.orders[brokerOrderID]; ok {
		ord.status = status
	}
}

func (s *Sim) SubmitOrder(ctx context.Context, env domain.OrderEnvelope) (Response, error) {
	s.mu.Lock()
	s.submitCalls++
	latency := s.behavior.Latency
	s.mu.Unlock()

	// Sleep outside the lock so concurrent submissions overlap in flight
	// the way they would against a real venue.
	if latency > 0 {
		time.Sleep(latency)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.netFailuresLeft > 0 {
		s.netFailuresLeft--
		return Response{}, &NetworkError{Op: "submit", Err: errors.New("simulated connection reset")}
	}

	if s.behavior.FatalMessage != "" {
		return Response{}, errors.New(s.behavior.FatalMessage)
	}

	if s.behavior.Reject {
		reason := s.behavior.RejectReason
		if reason == "" {
			reason = "order rejected by venue"
		}
		return Response{
			Success:      false,
			Status:       domain.StatusRejected,
			ErrorCode:    "REJECTED",
			ErrorMessage: reason,
		}, nil
	}

	s.seq++
	brokerID := fmt.Sprintf("sim-%d", s.seq)

	if s.behavior.Resting {
		s.orders[brokerID] = &simOrder{
			status: domain.StatusSubmitted,
			asset:  env.Instruction.Asset,
			qty:    env.Instruction.SizeDelta,
		}
		slog.Debug("SIM: order resting", slog.String("broker_order_id", brokerID))
		return Response{
			Success:       true,
			Status:        domain.StatusSubmitted,
			BrokerOrderID: brokerID,
		}, nil
	}

	// Fill path: debit cash, credit position at the scripted price.
	qty := env.Instruction.SizeDelta
	status := domain.StatusFilled
	if s.behavior.PartialQty != 0 && s.behavior.PartialQty != qty {
		qty = s.behavior.PartialQty
		status = domain.StatusPartiallyFilled
	}

	price := s.behavior.FillPrice
	s.cash = s.cash.Sub(price.Mul(decimal.NewFromInt(qty)))
	s.positions[env.Instruction.Asset] += qty
	s.prices[env.Instruction.Asset] = price
	s.orders[brokerID] = &simOrder{status: status, asset: env.Instruction.Asset, qty: qty, price: price}

	slog.Info("SIM: order filled",
		slog.String("broker_order_id", brokerID),
		slog.String("asset", env.Instruction.Asset),
		slog.Int64("qty", qty),
		slog.String("price", price.String()),
	)

	filled := qty
	return Response{
		Success:       true,
		Status:        status,
		BrokerOrderID: brokerID,
		FillPrice:     &price,
		FilledQty:     &filled,
	}, nil
}

func (s *Sim) FetchStatus(ctx context.Context, brokerOrderID string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ord, ok := s.orders[brokerOrderID]
	if !ok {
		return "", ErrOrderNotFound
	}
	return ord.status, nil
}

func (s *Sim) CancelOrder(ctx context.Context, brokerOrderID string) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelCalls++
	ord, ok := s.orders[brokerOrderID]
	if !ok {
		return Response{}, ErrOrderNotFound
	}

	if ord.status.IsTerminal() {
		return Response{
			Success:       false,
			Status:        ord.status,
			BrokerOrderID: brokerOrderID,
			ErrorMessage:  fmt.Sprintf("order %s is %s and cannot be cancelled", brokerOrderID, ord.status),
		}, nil
	}

	ord.status = domain.StatusCancelled
	slog.Info("SIM: order cancelled", slog.String("broker_order_id", brokerOrderID))
	return Response{
		Success:       true,
		Status:        domain.StatusCancelled,
		BrokerOrderID: brokerOrderID,
	}, nil
}

func (s *Sim) AccountInfo(ctx context.Context) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	equity := s.cash
	positions := make(map[string]int64, len(s.positions))
	for asset, qty := range s.positions {
		positions[asset] = qty
		if price, ok := s.prices[asset]; ok {
			equity = equity.Add(price.Mul(decimal.NewFromInt(qty)))
		}
	}

	return Account{
		Equity:      equity,
		Cash:        s.cash,
		BuyingPower: s.cash,
		Positions:   positions,
	}, nil
}
