package journal

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed journal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append writes the journal and all of its entries in one transaction.
func (p *PostgresStore) Append(ctx context.Context, j *Journal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := InsertTx(ctx, tx, j); err != nil {
		return err
	}

	return tx.Commit()
}

// InsertTx writes a journal and its entries within an existing transaction.
// Wallet and escrow stores use this to make balance mutations and their
// journal a single atomic unit.
func InsertTx(ctx context.Context, tx *sql.Tx, j *Journal) error {
	if err := j.Validate(); err != nil {
		return err
	}

	var escrowID sql.NullString
	if j.EscrowID != "" {
		escrowID = sql.NullString{String: j.EscrowID, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_journals (id, escrow_id, type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, j.ID, escrowID, string(j.Type), j.Description, j.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert journal: %w", err)
	}

	for _, e := range j.Entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (journal_id, account, currency, amount_cents)
			VALUES ($1, $2, $3, $4)
		`, j.ID, e.Account, e.Currency, e.AmountCents)
		if err != nil {
			return fmt.Errorf("failed to insert entry for %s: %w", e.Account, err)
		}
	}

	return nil
}

// Get retrieves a journal with its entries.
func (p *PostgresStore) Get(ctx context.Context, id string) (*Journal, error) {
	j := &Journal{}
	var escrowID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, type, description, created_at
		FROM ledger_journals WHERE id = $1
	`, id).Scan(&j.ID, &escrowID, &j.Type, &j.Description, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.EscrowID = escrowID.String

	if err := p.loadEntries(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// ListByEscrow retrieves all journals for an escrow, oldest first.
func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Journal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, description, created_at
		FROM ledger_journals
		WHERE escrow_id = $1
		ORDER BY created_at ASC
	`, escrowID)
	if err != nil {
		return nil, err
	}
	return p.collect(ctx, rows)
}

// ListRecent retrieves the most recently written journals.
func (p *PostgresStore) ListRecent(ctx context.Context, limit int) ([]*Journal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, type, description, created_at
		FROM ledger_journals
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return p.collect(ctx, rows)
}

func (p *PostgresStore) collect(ctx context.Context, rows *sql.Rows) ([]*Journal, error) {
	defer rows.Close()

	var journals []*Journal
	for rows.Next() {
		j := &Journal{}
		var escrowID sql.NullString
		if err := rows.Scan(&j.ID, &escrowID, &j.Type, &j.Description, &j.CreatedAt); err != nil {
			return nil, err
		}
		j.EscrowID = escrowID.String
		journals = append(journals, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, j := range journals {
		if err := p.loadEntries(ctx, j); err != nil {
			return nil, err
		}
	}
	return journals, nil
}

func (p *PostgresStore) loadEntries(ctx context.Context, j *Journal) error {
	rows, err := p.db.QueryContext(ctx, `
		SELECT journal_id, account, currency, amount_cents
		FROM ledger_entries
		WHERE journal_id = $1
		ORDER BY id ASC
	`, j.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.JournalID, &e.Account, &e.Currency, &e.AmountCents); err != nil {
			return err
		}
		j.Entries = append(j.Entries, e)
	}
	return rows.Err()
}
