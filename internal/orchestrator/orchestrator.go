package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"gnosis_go/internal/broker"
	"gnosis_go/internal/domain"
	"gnosis_go/internal/infra"
	"gnosis_go/internal/registry"
)

// ErrValidation marks caller misuse detected before any persistence or
// network I/O. Broker-side outcomes (rejection, errored-after-retries) are
// never surfaced as errors; they come back as envelope status.
var ErrValidation = errors.New("orchestrator: invalid order request")

var errCircuitOpen = errors.New("venue circuit breaker open")

// Config tunes the submission retry loop.
type Config struct {
	MaxRetries int           // total submit attempts per order
	RetryBase  time.Duration // base delay for exponential backoff
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRateLimiter gates broker calls behind a token bucket.
func WithRateLimiter(l *infra.RateLimiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithCircuitBreaker fails submissions fast while the venue is unhealthy.
// A rejected pass through the breaker counts as a transient failure.
func WithCircuitBreaker(cb *infra.CircuitBreaker) Option {
	return func(o *Orchestrator) { o.breaker = cb }
}

// Orchestrator turns order instructions into durably tracked, idempotently
// submitted broker orders. It holds no mutable state of its own, so one
// instance is safely shared by concurrent callers; the registry's unique
// constraint on the idempotency key is the only serialization point.
type Orchestrator struct {
	registry *registry.Registry
	broker   broker.Broker

	maxRetries int
	retryBase  time.Duration
	limiter    *infra.RateLimiter
	breaker    *infra.CircuitBreaker
}

// New wires an orchestrator to its collaborators.
func New(reg *registry.Registry, brk broker.Broker, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}

	o := &Orchestrator{
		registry:   reg,
		broker:     brk,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit validates the request, collapses duplicates via the idempotency
// key, persists a PENDING record before any broker contact, then submits
// with retry and reconciles the broker's answer into the registry. The
// returned envelope is always re-read from storage, so callers see the
// authoritative persisted state.
func (o *Orchestrator) Submit(ctx context.Context, instr domain.OrderInstruction, orderType domain.OrderType, limitPrice *decimal.Decimal) (domain.OrderEnvelope, error) {
	if err := validate(instr, orderType, limitPrice); err != nil {
		return domain.OrderEnvelope{}, err
	}

	env, err := domain.NewEnvelope(instr, orderType, limitPrice)
	if err != nil {
		return domain.OrderEnvelope{}, err
	}

	stored, isNew, err := o.registry.CreateEnvelope(ctx, env)
	if err != nil {
		return domain.OrderEnvelope{}, err
	}
	if !isNew {
		slog.Info("duplicate submission collapsed",
			slog.String("order_id", stored.OrderID),
			slog.String("idempotency_key", stored.IdempotencyKey))
		return stored, nil
	}

	slog.Info("order accepted",
		slog.String("order_id", env.OrderID),
		slog.String("asset", instr.Asset),
		slog.Int64("size_delta", instr.SizeDelta),
		slog.String("type", string(orderType)))

	resp, err := o.submitWithRetry(ctx, env)
	if err == nil {
		o.applyResponse(ctx, env.OrderID, resp)
	}
	// Broker-side failures were already recorded as ERROR status; report
	// them through the envelope, not as an error.
	return o.refresh(context.WithoutCancel(ctx), env.OrderID)
}

// GetStatus is a pure read-through to the registry; it never contacts the
// broker. Callers needing live venue state should schedule ReconcileOpen.
func (o *Orchestrator) GetStatus(ctx context.Context, orderID string) (domain.OrderEnvelope, error) {
	return o.refresh(ctx, orderID)
}

// Cancel requests cancellation of a working order. Cancelling an order that
// is already terminal is a no-op, not an error: the envelope is returned
// unchanged and the broker is never contacted.
func (o *Orchestrator) Cancel(ctx context.Context, orderID string) (domain.OrderEnvelope, error) {
	env, err := o.refresh(ctx, orderID)
	if err != nil {
		return domain.OrderEnvelope{}, err
	}

	if !env.Status.Cancellable() {
		return env, nil
	}

	if env.BrokerOrderID == "" {
		// Never reached the broker; cancel locally.
		if err := o.registry.UpdateStatus(ctx, orderID, domain.StatusCancelled, registry.StatusUpdate{}); err != nil {
			return domain.OrderEnvelope{}, err
		}
		return o.refresh(ctx, orderID)
	}

	if o.limiter != nil {
		o.limiter.Wait()
	}
	resp, err := o.broker.CancelOrder(ctx, env.BrokerOrderID)
	if err != nil {
		return env, fmt.Errorf("cancel of order %s failed: %w", orderID, err)
	}
	o.applyResponse(ctx, orderID, resp)

	slog.Info("order cancel reconciled",
		slog.String("order_id", orderID),
		slog.String("status", string(resp.Status)))
	return o.refresh(ctx, orderID)
}

// LogFilter selects records for Logs. OrderID takes precedence over Status;
// Limit defaults to 50.
type LogFilter struct {
	OrderID string
	Status  domain.Status
	Limit   int
}

// Logs exposes the registry's audit records for debugging and forensics.
func (o *Orchestrator) Logs(ctx context.Context, f LogFilter) ([]domain.ExecutionRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	switch {
	case f.OrderID != "":
		rec, err := o.registry.GetByID(ctx, f.OrderID)
		if errors.Is(err, registry.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []domain.ExecutionRecord{rec}, nil

	case f.Status != "":
		records, err := o.registry.GetByStatus(ctx, f.Status)
		if err != nil {
			return nil, err
		}
		if len(records) > limit {
			records = records[:limit]
		}
		return records, nil

	default:
		return o.registry.GetAll(ctx, limit)
	}
}

// ReconcileOrder refreshes one non-terminal order from the broker's view and
// writes any status change back to the registry. Intended to run from a
// periodic job; GetStatus never calls it synchronously.
func (o *Orchestrator) ReconcileOrder(ctx context.Context, orderID string) (domain.OrderEnvelope, error) {
	env, err := o.refresh(ctx, orderID)
	if err != nil {
		return domain.OrderEnvelope{}, err
	}
	if env.Status.IsTerminal() || env.BrokerOrderID == "" {
		return env, nil
	}

	if o.limiter != nil {
		o.limiter.Wait()
	}
	status, err := o.broker.FetchStatus(ctx, env.BrokerOrderID)
	if err != nil {
		return env, fmt.Errorf("status fetch for order %s failed: %w", orderID, err)
	}
	if status == env.Status {
		return env, nil
	}

	if err := o.registry.UpdateStatus(ctx, orderID, status, registry.StatusUpdate{}); err != nil {
		return domain.OrderEnvelope{}, err
	}
	return o.refresh(ctx, orderID)
}

// ReconcileOpen refreshes every SUBMITTED and PARTIALLY_FILLED order.
// Returns the number of orders whose status changed.
func (o *Orchestrator) ReconcileOpen(ctx context.Context) (int, error) {
	changed := 0
	for _, status := range []domain.Status{domain.StatusSubmitted, domain.StatusPartiallyFilled} {
		records, err := o.registry.GetByStatus(ctx, status)
		if err != nil {
			return changed, err
		}
		for _, rec := range records {
			env, err := o.ReconcileOrder(ctx, rec.OrderID)
			if err != nil {
				slog.Warn("reconciliation failed",
					slog.String("order_id", rec.OrderID),
					slog.String("error", err.Error()))
				continue
			}
			if env.Status != rec.Status {
				changed++
			}
		}
	}
	return changed, nil
}

// submitWithRetry drives the broker submission loop. NetworkError (and an
// open circuit breaker) are the only retryable failures; anything else is
// recorded as ERROR immediately. Exhausting maxRetries records ERROR with a
// max-retries message.
func (o *Orchestrator) submitWithRetry(ctx context.Context, env domain.OrderEnvelope) (broker.Response, error) {
	for attempt := 1; attempt <= o.maxRetries; attempt++ {
		if o.limiter != nil {
			o.limiter.Wait()
		}

		var resp broker.Response
		var err error
		if o.breaker != nil && !o.breaker.Allow() {
			err = &broker.NetworkError{Op: "submit", Err: errCircuitOpen}
		} else {
			resp, err = o.broker.SubmitOrder(ctx, env)
			if o.breaker != nil {
				if broker.IsNetworkError(err) {
					o.breaker.RecordFailure()
				} else if err == nil {
					o.breaker.RecordSuccess()
				}
			}
		}

		if err == nil {
			return resp, nil
		}

		if !broker.IsNetworkError(err) {
			slog.Error("fatal broker error",
				slog.String("order_id", env.OrderID),
				slog.String("error", err.Error()))
			o.markError(ctx, env.OrderID, err.Error())
			return broker.Response{}, err
		}

		if _, rerr := o.registry.IncrementRetry(ctx, env.OrderID); rerr != nil {
			slog.Warn("failed to record retry",
				slog.String("order_id", env.OrderID),
				slog.String("error", rerr.Error()))
		}

		if attempt == o.maxRetries {
			break
		}

		delay := infra.Backoff(o.retryBase, attempt-1)
		slog.Warn("transient broker failure, backing off",
			slog.String("order_id", env.OrderID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			msg := fmt.Sprintf("submission aborted: %v", ctx.Err())
			o.markError(ctx, env.OrderID, msg)
			return broker.Response{}, ctx.Err()
		}
	}

	o.markError(ctx, env.OrderID, "max retries exceeded")
	return broker.Response{}, fmt.Errorf("submission of order %s failed after %d attempts", env.OrderID, o.maxRetries)
}

// applyResponse reconciles a broker response into the registry. Only the
// fields present in the response are written; absent fields keep their
// stored values.
func (o *Orchestrator) applyResponse(ctx context.Context, orderID string, resp broker.Response) {
	upd := registry.StatusUpdate{
		FillPrice: resp.FillPrice,
		FilledQty: resp.FilledQty,
	}
	if resp.BrokerOrderID != "" {
		upd.BrokerOrderID = &resp.BrokerOrderID
	}
	if resp.ErrorMessage != "" {
		upd.ErrorMessage = &resp.ErrorMessage
	}

	if err := o.registry.UpdateStatus(ctx, orderID, resp.Status, upd); err != nil {
		slog.Error("failed to reconcile broker response",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
	}
}

// markError transitions an order to ERROR, surviving a cancelled context so
// the failure is still durably recorded.
func (o *Orchestrator) markError(ctx context.Context, orderID, msg string) {
	upd := registry.StatusUpdate{ErrorMessage: &msg}
	if err := o.registry.UpdateStatus(context.WithoutCancel(ctx), orderID, domain.StatusError, upd); err != nil {
		slog.Error("failed to record order error",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) refresh(ctx context.Context, orderID string) (domain.OrderEnvelope, error) {
	rec, err := o.registry.GetByID(ctx, orderID)
	if err != nil {
		return domain.OrderEnvelope{}, err
	}
	return rec.Envelope()
}

func validate(instr domain.OrderInstruction, orderType domain.OrderType, limitPrice *decimal.Decimal) error {
	if instr.Asset == "" {
		return fmt.Errorf("%w: asset is required", ErrValidation)
	}
	if instr.SizeDelta == 0 {
		return fmt.Errorf("%w: size delta must be non-zero", ErrValidation)
	}
	switch orderType {
	case domain.OrderTypeMarket:
		if limitPrice != nil {
			return fmt.Errorf("%w: market orders must not carry a limit price", ErrValidation)
		}
	case domain.OrderTypeLimit:
		if limitPrice == nil {
			return fmt.Errorf("%w: limit orders require a limit price", ErrValidation)
		}
		if limitPrice.Sign() <= 0 {
			return fmt.Errorf("%w: limit price must be positive", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown order type %q", ErrValidation, orderType)
	}
	return nil
}
