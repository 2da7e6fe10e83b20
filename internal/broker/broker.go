package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"gnosis_go/internal/domain"
)

// Broker is the abstract execution-venue capability the orchestrator depends
// on. Concrete adapters (simulator, vendor integrations) satisfy it
// explicitly; the orchestrator assumes nothing about latency behind these
// calls.
type Broker interface {
	// SubmitOrder sends a new order to the venue. A *NetworkError is the
	// only retryable failure; any other error is fatal for the attempt.
	SubmitOrder(ctx context.Context, env domain.OrderEnvelope) (Response, error)

	// FetchStatus returns the venue's current view of an order.
	// Returns ErrOrderNotFound for IDs the venue does not know.
	FetchStatus(ctx context.Context, brokerOrderID string) (domain.Status, error)

	// CancelOrder asks the venue to cancel a working order.
	CancelOrder(ctx context.Context, brokerOrderID string) (Response, error)

	// AccountInfo returns equity, cash, buying power and open positions.
	// Opaque to the orchestrator.
	AccountInfo(ctx context.Context) (Account, error)
}

// Response is the venue's answer to a submit or cancel request. A response
// with Success=false (e.g. a rejection) is a normal outcome, not an error.
type Response struct {
	Success       bool
	Status        domain.Status
	BrokerOrderID string
	FillPrice     *decimal.Decimal
	FilledQty     *int64
	ErrorCode     string
	ErrorMessage  string
}

// Account is a snapshot of the venue-side account state.
type Account struct {
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
	Positions   map[string]int64
}
