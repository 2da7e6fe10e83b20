package domain

import "github.com/shopspring/decimal"

// Action describes what an instruction wants to do with a position.
type Action string

const (
	ActionOpen   Action = "open"
	ActionClose  Action = "close"
	ActionAdjust Action = "adjust"
)

// OrderInstruction is the immutable input produced by the idea/sizing layer.
// Field order is fixed; the canonical serialization of this struct feeds the
// idempotency hash, so reordering fields changes every key.
type OrderInstruction struct {
	Action       Action          `json:"action"`
	Asset        string          `json:"asset"`
	StrategyType string          `json:"strategy_type"`
	SizeDelta    int64           `json:"size_delta"`
	NotionalRisk decimal.Decimal `json:"notional_risk"`
	Reason       string          `json:"reason"`
	SourceIdea   map[string]any  `json:"source_idea"`
}
