package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"

	"gnosis_go/internal/domain"
)

// ErrNotFound is returned when no execution exists for the given key.
var ErrNotFound = errors.New("registry: execution not found")

// ErrTerminalStatus is returned when an update would transition a record out
// of a terminal status. Terminal records are immutable audit state.
var ErrTerminalStatus = errors.New("registry: execution already in terminal status")

// StatusUpdate carries the optional fields of an UpdateStatus call. Nil
// fields leave the stored value unchanged.
type StatusUpdate struct {
	BrokerOrderID *string
	FillPrice     *decimal.Decimal
	FilledQty     *int64
	ErrorMessage  *string
}

// Registry is the durable store of execution records, backed by SQLite.
// The unique index on idempotency_key is the single serialization point for
// concurrent submissions of the same instruction.
type Registry struct {
	db *sql.DB
}

// Open creates (or reopens) the registry database with WAL enabled.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			order_id        TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			instruction     BLOB NOT NULL,
			order_type      TEXT NOT NULL,
			limit_price     TEXT,
			status          TEXT NOT NULL,
			broker_order_id TEXT,
			fill_price      TEXT,
			filled_qty      INTEGER,
			error_message   TEXT,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			history         BLOB NOT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create executions table: %w", err)
	}

	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);",
		"CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at);",
	} {
		if _, err := db.Exec(idx); err != nil {
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	return &Registry{db: db}, nil
}

// CreateEnvelope persists a new PENDING record unless one already exists for
// the envelope's idempotency key. Exactly one concurrent caller wins the
// insert; losers read back the winner. The second return reports whether the
// envelope is new.
func (r *Registry) CreateEnvelope(ctx context.Context, env domain.OrderEnvelope) (domain.OrderEnvelope, bool, error) {
	existing, err := r.GetByIdempotencyKey(ctx, env.IdempotencyKey)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.OrderEnvelope{}, false, err
	}

	rec, err := env.Record()
	if err != nil {
		return domain.OrderEnvelope{}, false, err
	}
	rec.History = []domain.Transition{{AtUnixM: rec.CreatedUnixM, To: domain.StatusPending}}

	history, err := json.Marshal(rec.History)
	if err != nil {
		return domain.OrderEnvelope{}, false, fmt.Errorf("failed to marshal history: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO executions
			(order_id, idempotency_key, instruction, order_type, limit_price, status,
			 broker_order_id, fill_price, filled_qty, error_message, retry_count,
			 history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING`,
		rec.OrderID, rec.IdempotencyKey, rec.Instruction, string(rec.OrderType),
		decimalPtrToNull(rec.LimitPrice), string(rec.Status),
		nullString(rec.BrokerOrderID), decimalPtrToNull(rec.FillPrice),
		int64PtrToNull(rec.FilledQty), nullString(rec.ErrorMessage),
		rec.RetryCount, history, rec.CreatedUnixM, rec.UpdatedUnixM,
	)
	if err != nil {
		return domain.OrderEnvelope{}, false, fmt.Errorf("failed to insert execution: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return domain.OrderEnvelope{}, false, err
	}
	if n == 0 {
		// Lost the race: another writer inserted the same key first.
		winner, err := r.GetByIdempotencyKey(ctx, env.IdempotencyKey)
		if err != nil {
			return domain.OrderEnvelope{}, false, err
		}
		return winner, false, nil
	}

	return env, true, nil
}

// GetByID returns the full durable record for an order.
func (r *Registry) GetByID(ctx context.Context, orderID string) (domain.ExecutionRecord, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" FROM executions WHERE order_id = ?", orderID)
	return scanRecord(row)
}

// GetByIdempotencyKey returns the envelope for an instruction fingerprint.
func (r *Registry) GetByIdempotencyKey(ctx context.Context, key string) (domain.OrderEnvelope, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" FROM executions WHERE idempotency_key = ?", key)
	rec, err := scanRecord(row)
	if err != nil {
		return domain.OrderEnvelope{}, err
	}
	return rec.Envelope()
}

// UpdateStatus appends a transition to the order's history and overwrites the
// current-state columns. Fields absent from upd keep their stored values.
func (r *Registry) UpdateStatus(ctx context.Context, orderID string, status domain.Status, upd StatusUpdate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin update: %w", err)
	}
	defer tx.Rollback()

	var oldStatus string
	var historyBlob []byte
	err = tx.QueryRowContext(ctx,
		"SELECT status, history FROM executions WHERE order_id = ?", orderID,
	).Scan(&oldStatus, &historyBlob)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read execution: %w", err)
	}

	if domain.Status(oldStatus).IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, orderID, oldStatus)
	}

	var history []domain.Transition
	if err := json.Unmarshal(historyBlob, &history); err != nil {
		return fmt.Errorf("failed to unmarshal history: %w", err)
	}

	now := time.Now().UnixMicro()
	tr := domain.Transition{
		AtUnixM: now,
		From:    domain.Status(oldStatus),
		To:      status,
	}
	if upd.BrokerOrderID != nil {
		tr.BrokerOrderID = *upd.BrokerOrderID
	}
	tr.FillPrice = upd.FillPrice
	tr.FilledQty = upd.FilledQty
	if upd.ErrorMessage != nil {
		tr.ErrorMessage = *upd.ErrorMessage
	}
	history = append(history, tr)

	newHistory, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE executions SET
			status = ?,
			broker_order_id = COALESCE(?, broker_order_id),
			fill_price      = COALESCE(?, fill_price),
			filled_qty      = COALESCE(?, filled_qty),
			error_message   = COALESCE(?, error_message),
			history         = ?,
			updated_at      = ?
		WHERE order_id = ?`,
		string(status),
		stringPtrToNull(upd.BrokerOrderID), decimalPtrToNull(upd.FillPrice),
		int64PtrToNull(upd.FilledQty), stringPtrToNull(upd.ErrorMessage),
		newHistory, now, orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	return tx.Commit()
}

// IncrementRetry atomically bumps the retry counter and returns the new
// count.
func (r *Registry) IncrementRetry(ctx context.Context, orderID string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin increment: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE executions SET retry_count = retry_count + 1, updated_at = ? WHERE order_id = ?",
		time.Now().UnixMicro(), orderID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT retry_count FROM executions WHERE order_id = ?", orderID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}

	return count, tx.Commit()
}

// GetByStatus returns all records in the given status, most recent first.
func (r *Registry) GetByStatus(ctx context.Context, status domain.Status) ([]domain.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+" FROM executions WHERE status = ? ORDER BY created_at DESC, order_id", string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query by status: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// GetAll returns up to limit records, most recent first.
func (r *Registry) GetAll(ctx context.Context, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		selectColumns+" FROM executions ORDER BY created_at DESC, order_id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Close releases the underlying database handle. Safe to call twice.
func (r *Registry) Close() error {
	return r.db.Close()
}

const selectColumns = `SELECT order_id, idempotency_key, instruction, order_type, limit_price,
	status, broker_order_id, fill_price, filled_qty, error_message, retry_count,
	history, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var orderType, status string
	var limitPrice, brokerOrderID, fillPrice, errorMessage sql.NullString
	var filledQty sql.NullInt64
	var historyBlob []byte

	err := row.Scan(
		&rec.OrderID, &rec.IdempotencyKey, &rec.Instruction, &orderType, &limitPrice,
		&status, &brokerOrderID, &fillPrice, &filledQty, &errorMessage, &rec.RetryCount,
		&historyBlob, &rec.CreatedUnixM, &rec.UpdatedUnixM,
	)
	if err == sql.ErrNoRows {
		return domain.ExecutionRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("failed to scan execution: %w", err)
	}

	rec.OrderType = domain.OrderType(orderType)
	rec.Status = domain.Status(status)
	if brokerOrderID.Valid {
		rec.BrokerOrderID = brokerOrderID.String
	}
	if errorMessage.Valid {
		rec.ErrorMessage = errorMessage.String
	}
	if filledQty.Valid {
		qty := filledQty.Int64
		rec.FilledQty = &qty
	}
	if rec.LimitPrice, err = nullToDecimalPtr(limitPrice); err != nil {
		return domain.ExecutionRecord{}, err
	}
	if rec.FillPrice, err = nullToDecimalPtr(fillPrice); err != nil {
		return domain.ExecutionRecord{}, err
	}
	if err := json.Unmarshal(historyBlob, &rec.History); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("failed to unmarshal history: %w", err)
	}

	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]domain.ExecutionRecord, error) {
	var records []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stringPtrToNull(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func int64PtrToNull(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func decimalPtrToNull(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullToDecimalPtr(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored decimal %q: %w", s.String, err)
	}
	return &d, nil
}
