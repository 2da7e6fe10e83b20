package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transition is one entry in the append-only status history of an order.
// A creation event has an empty From.
type Transition struct {
	AtUnixM       int64            `json:"at"`
	From          Status           `json:"from,omitempty"`
	To            Status           `json:"to"`
	BrokerOrderID string           `json:"broker_order_id,omitempty"`
	FillPrice     *decimal.Decimal `json:"fill_price,omitempty"`
	FilledQty     *int64           `json:"filled_qty,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

// OrderEnvelope is the transient view of one order attempt returned to
// callers. SubmittedUnixM and FilledUnixM are always derived from the
// record's history, never stored.
type OrderEnvelope struct {
	OrderID        string
	IdempotencyKey string
	Instruction    OrderInstruction
	OrderType      OrderType
	LimitPrice     *decimal.Decimal
	Status         Status
	BrokerOrderID  string
	FillPrice      *decimal.Decimal
	FilledQty      *int64
	ErrorMessage   string
	RetryCount     int
	CreatedUnixM   int64
	UpdatedUnixM   int64
	SubmittedUnixM int64
	FilledUnixM    int64
}

// ExecutionRecord is the durable representation: the instruction is kept as
// a serialized blob and the full transition history travels with the row.
type ExecutionRecord struct {
	OrderID        string
	IdempotencyKey string
	Instruction    []byte
	OrderType      OrderType
	LimitPrice     *decimal.Decimal
	Status         Status
	BrokerOrderID  string
	FillPrice      *decimal.Decimal
	FilledQty      *int64
	ErrorMessage   string
	RetryCount     int
	History        []Transition
	CreatedUnixM   int64
	UpdatedUnixM   int64
}

// NewEnvelope builds a PENDING envelope for the instruction. The order ID is
// assigned here exactly once; idempotent duplicates never regenerate it.
func NewEnvelope(instr OrderInstruction, orderType OrderType, limitPrice *decimal.Decimal) (OrderEnvelope, error) {
	key, err := IdempotencyKey(instr)
	if err != nil {
		return OrderEnvelope{}, err
	}

	now := time.Now().UnixMicro()
	return OrderEnvelope{
		OrderID:        uuid.NewString(),
		IdempotencyKey: key,
		Instruction:    instr,
		OrderType:      orderType,
		LimitPrice:     limitPrice,
		Status:         StatusPending,
		CreatedUnixM:   now,
		UpdatedUnixM:   now,
	}, nil
}

// Record converts the envelope to its durable form. History is left for the
// registry to populate; it owns the audit trail.
func (e OrderEnvelope) Record() (ExecutionRecord, error) {
	blob, err := json.Marshal(e.Instruction)
	if err != nil {
		return ExecutionRecord{}, fmt.Errorf("failed to marshal instruction: %w", err)
	}

	return ExecutionRecord{
		OrderID:        e.OrderID,
		IdempotencyKey: e.IdempotencyKey,
		Instruction:    blob,
		OrderType:      e.OrderType,
		LimitPrice:     e.LimitPrice,
		Status:         e.Status,
		BrokerOrderID:  e.BrokerOrderID,
		FillPrice:      e.FillPrice,
		FilledQty:      e.FilledQty,
		ErrorMessage:   e.ErrorMessage,
		RetryCount:     e.RetryCount,
		CreatedUnixM:   e.CreatedUnixM,
		UpdatedUnixM:   e.UpdatedUnixM,
	}, nil
}

// Envelope converts the durable record back to the caller-facing view,
// deriving SubmittedUnixM/FilledUnixM by scanning the history so they can
// never drift from the audit trail.
func (r ExecutionRecord) Envelope() (OrderEnvelope, error) {
	var instr OrderInstruction
	if len(r.Instruction) > 0 {
		if err := json.Unmarshal(r.Instruction, &instr); err != nil {
			return OrderEnvelope{}, fmt.Errorf("failed to unmarshal instruction: %w", err)
		}
	}

	return OrderEnvelope{
		OrderID:        r.OrderID,
		IdempotencyKey: r.IdempotencyKey,
		Instruction:    instr,
		OrderType:      r.OrderType,
		LimitPrice:     r.LimitPrice,
		Status:         r.Status,
		BrokerOrderID:  r.BrokerOrderID,
		FillPrice:      r.FillPrice,
		FilledQty:      r.FilledQty,
		ErrorMessage:   r.ErrorMessage,
		RetryCount:     r.RetryCount,
		CreatedUnixM:   r.CreatedUnixM,
		UpdatedUnixM:   r.UpdatedUnixM,
		SubmittedUnixM: r.firstTransitionTo(StatusSubmitted),
		FilledUnixM:    r.firstTransitionTo(StatusFilled),
	}, nil
}

// firstTransitionTo returns the timestamp of the first transition into the
// given status, or 0 if the order never reached it.
func (r ExecutionRecord) firstTransitionTo(s Status) int64 {
	for _, tr := range r.History {
		if tr.To == s {
			return tr.AtUnixM
		}
	}
	return 0
}
