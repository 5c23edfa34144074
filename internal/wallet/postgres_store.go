package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/journal"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetOrCreate(ctx context.Context, w *Wallet) (*Wallet, error) {
	// ON CONFLICT DO NOTHING keeps creation race-safe; the follow-up select
	// returns whichever row won.
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (id, user_id, currency, available_cents, pending_cents, created_at, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4, $4)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, w.ID, w.UserID, w.Currency, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return p.GetByUser(ctx, w.UserID, w.Currency)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Wallet, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, currency, available_cents, pending_cents, created_at, updated_at
		FROM wallets WHERE id = $1
	`, id))
}

func (p *PostgresStore) GetByUser(ctx context.Context, userID, currency string) (*Wallet, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, user_id, currency, available_cents, pending_cents, created_at, updated_at
		FROM wallets WHERE user_id = $1 AND currency = $2
	`, userID, currency))
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, currency, available_cents, pending_cents, created_at, updated_at
		FROM wallets WHERE user_id = $1 ORDER BY currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.ID, &w.UserID, &w.Currency, &w.AvailableCents, &w.PendingCents, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Wallet, error) {
	w := &Wallet{}
	err := row.Scan(&w.ID, &w.UserID, &w.Currency, &w.AvailableCents, &w.PendingCents, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Apply(ctx context.Context, muts []Mutation, jr *journal.Journal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ApplyTx(ctx, tx, muts); err != nil {
		return err
	}
	if jr != nil {
		if err := journal.InsertTx(ctx, tx, jr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ApplyTx applies wallet mutations inside an existing transaction. The
// escrow store composes this with its own status update and the journal
// insert so a transition commits as one unit. CHECK constraints on both
// bucket columns reject overdrafts at the database level.
func ApplyTx(ctx context.Context, tx *sql.Tx, muts []Mutation) error {
	for _, mut := range muts {
		result, err := tx.ExecContext(ctx, `
			UPDATE wallets SET
				available_cents = available_cents + $2,
				pending_cents   = pending_cents + $3,
				updated_at      = NOW()
			WHERE id = $1
		`, mut.WalletID, mut.AvailableDelta, mut.PendingDelta)
		if err != nil {
			return mapBalanceError(err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// mapBalanceError converts a CHECK constraint violation into the typed
// insufficient-funds error.
func mapBalanceError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23514" {
		return ErrInsufficientFunds
	}
	return fmt.Errorf("failed to update wallet: %w", err)
}

func (p *PostgresStore) AddHold(ctx context.Context, h *Hold, jr *journal.Journal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := ApplyTx(ctx, tx, []Mutation{{WalletID: h.WalletID, PendingDelta: h.AmountCents}}); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_holds (id, wallet_id, amount_cents, release_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, h.ID, h.WalletID, h.AmountCents, h.ReleaseAt, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record hold: %w", err)
	}
	if jr != nil {
		if err := journal.InsertTx(ctx, tx, jr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) SettleHold(ctx context.Context, holdID string) (*Hold, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	h := &Hold{}
	var settledAt sql.NullTime
	// settled_at IS NULL in the update predicate makes settlement race-safe:
	// a concurrent settle of the same hold matches zero rows.
	err = tx.QueryRowContext(ctx, `
		UPDATE wallet_holds SET settled_at = NOW()
		WHERE id = $1 AND settled_at IS NULL
		RETURNING id, wallet_id, amount_cents, release_at, settled_at, created_at
	`, holdID).Scan(&h.ID, &h.WalletID, &h.AmountCents, &h.ReleaseAt, &settledAt, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		h.SettledAt = &settledAt.Time
	}

	if err := ApplyTx(ctx, tx, []Mutation{ReleaseReserve(h.WalletID, h.AmountCents)}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return h, nil
}

func (p *PostgresStore) DueHolds(ctx context.Context, now time.Time) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, wallet_id, amount_cents, release_at, created_at
		FROM wallet_holds
		WHERE settled_at IS NULL AND release_at <= $1
		ORDER BY release_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*Hold
	for rows.Next() {
		h := &Hold{}
		if err := rows.Scan(&h.ID, &h.WalletID, &h.AmountCents, &h.ReleaseAt, &h.CreatedAt); err != nil {
			return nil, err
		}
		due = append(due, h)
	}
	return due, rows.Err()
}
