package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/pagination"
	"github.com/clearhold/clearhold/internal/wallet"
)

// PostgresStore persists escrow agreements, milestones, and shipments in
// PostgreSQL. Transition composes the escrow status update, the wallet
// mutations, and the journal insert in one serializable transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow, milestones []*Milestone) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_agreements (
			id, buyer_id, seller_id, currency,
			amount_cents, fee_cents, net_amount_cents, released_cents,
			method, buyer_wallet_id, seller_wallet_id,
			status, description, auto_release_days, dispute_window_days,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11,
			$12, $13, $14, $15,
			$16, $17
		)`,
		e.ID, e.BuyerID, e.SellerID, e.Currency,
		e.AmountCents, e.FeeCents, e.NetAmountCents, e.ReleasedCents,
		string(e.Method), nullString(e.BuyerWalletID), nullString(e.SellerWalletID),
		string(e.Status), nullString(e.Description), e.AutoReleaseDays, e.DisputeWindowDays,
		e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert escrow: %w", err)
	}

	for _, m := range milestones {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO escrow_milestones (id, escrow_id, name, amount_cents, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			m.ID, m.EscrowID, m.Name, m.AmountCents, string(m.Status), m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert milestone: %w", err)
		}
	}
	return tx.Commit()
}

const escrowColumns = `id, buyer_id, seller_id, currency,
		       amount_cents, fee_cents, net_amount_cents, released_cents,
		       method, buyer_wallet_id, seller_wallet_id,
		       status, description, auto_release_days, dispute_window_days,
		       dispute_reason, resolution,
		       funded_at, shipped_at, delivered_at, disputed_at,
		       released_at, refunded_at, cancelled_at,
		       created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_agreements WHERE id = $1`, id)

	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (p *PostgresStore) Transition(ctx context.Context, e *Escrow, from Status, muts []wallet.Mutation, jr *journal.Journal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := p.updateEscrowTx(ctx, tx, e, from); err != nil {
		return err
	}
	if err := wallet.ApplyTx(ctx, tx, muts); err != nil {
		return err
	}
	if jr != nil {
		if err := journal.InsertTx(ctx, tx, jr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// updateEscrowTx writes the escrow's mutable columns, predicated on the
// stored status. Zero rows affected means a racing transition won; the
// caller's whole transaction rolls back with ErrInvalidState.
func (p *PostgresStore) updateEscrowTx(ctx context.Context, tx *sql.Tx, e *Escrow, from Status) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_agreements SET
			status = $1, released_cents = $2,
			buyer_wallet_id = $3, seller_wallet_id = $4,
			dispute_reason = $5, resolution = $6,
			funded_at = $7, shipped_at = $8, delivered_at = $9, disputed_at = $10,
			released_at = $11, refunded_at = $12, cancelled_at = $13,
			updated_at = $14
		WHERE id = $15 AND status = $16`,
		string(e.Status), e.ReleasedCents,
		nullString(e.BuyerWalletID), nullString(e.SellerWalletID),
		nullString(e.DisputeReason), nullString(e.Resolution),
		nullTime(e.FundedAt), nullTime(e.ShippedAt), nullTime(e.DeliveredAt), nullTime(e.DisputedAt),
		nullTime(e.ReleasedAt), nullTime(e.RefundedAt), nullTime(e.CancelledAt),
		e.UpdatedAt,
		e.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update escrow: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_agreements WHERE id = $1)`, e.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrInvalidState
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Escrow, error) {
	query := `
		SELECT ` + escrowColumns + `
		FROM escrow_agreements
		WHERE (buyer_id = $1 OR seller_id = $1)`
	args := []interface{}{userID}

	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_agreements
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_agreements
		WHERE status IN ('delivered', 'awaiting_release')
		  AND delivered_at IS NOT NULL
		  AND delivered_at + make_interval(days => auto_release_days) <= $1
		ORDER BY delivered_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListStaleFunding(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_agreements
		WHERE status = 'awaiting_funding' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, name, amount_cents, status, completed_at, released_at, created_at
		FROM escrow_milestones WHERE id = $1`, id)

	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMilestoneNotFound
	}
	return m, err
}

func (p *PostgresStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, name, amount_cents, status, completed_at, released_at, created_at
		FROM escrow_milestones
		WHERE escrow_id = $1
		ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) TransitionMilestone(ctx context.Context, m *Milestone, from MilestoneStatus, parent *Escrow, muts []wallet.Mutation, jr *journal.Journal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_milestones SET
			status = $1, completed_at = $2, released_at = $3
		WHERE id = $4 AND status = $5`,
		string(m.Status), nullTime(m.CompletedAt), nullTime(m.ReleasedAt),
		m.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update milestone: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_milestones WHERE id = $1)`, m.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrMilestoneNotFound
		}
		return ErrInvalidState
	}

	if parent != nil {
		// Milestone money moves against the parent's stored status too, so
		// a concurrent terminal transition rolls this back.
		if err := p.updateEscrowTx(ctx, tx, parent, parent.Status); err != nil {
			return err
		}
	}
	if err := wallet.ApplyTx(ctx, tx, muts); err != nil {
		return err
	}
	if jr != nil {
		if err := journal.InsertTx(ctx, tx, jr); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) SaveShipment(ctx context.Context, sh *Shipment) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shipments (escrow_id, carrier, tracking, short_ref, delivery_code, status, shipped_at, delivered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (escrow_id) DO UPDATE SET
			status = EXCLUDED.status, delivered_at = EXCLUDED.delivered_at`,
		sh.EscrowID, nullString(sh.Carrier), nullString(sh.Tracking),
		sh.ShortRef, sh.DeliveryCode, string(sh.Status),
		sh.ShippedAt, nullTime(sh.DeliveredAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrShortRefTaken
	}
	return err
}

func (p *PostgresStore) DeleteShipment(ctx context.Context, escrowID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM shipments WHERE escrow_id = $1`, escrowID)
	return err
}

const shipmentColumns = `escrow_id, carrier, tracking, short_ref, delivery_code, status, shipped_at, delivered_at`

func (p *PostgresStore) GetShipment(ctx context.Context, escrowID string) (*Shipment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE escrow_id = $1`, escrowID)
	return scanShipment(row)
}

func (p *PostgresStore) GetShipmentByRef(ctx context.Context, shortRef string) (*Shipment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE short_ref = $1`, shortRef)
	return scanShipment(row)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		method         string
		buyerWalletID  sql.NullString
		sellerWalletID sql.NullString
		status         string
		description    sql.NullString
		disputeReason  sql.NullString
		resolution     sql.NullString
		fundedAt       sql.NullTime
		shippedAt      sql.NullTime
		deliveredAt    sql.NullTime
		disputedAt     sql.NullTime
		releasedAt     sql.NullTime
		refundedAt     sql.NullTime
		cancelledAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.BuyerID, &e.SellerID, &e.Currency,
		&e.AmountCents, &e.FeeCents, &e.NetAmountCents, &e.ReleasedCents,
		&method, &buyerWalletID, &sellerWalletID,
		&status, &description, &e.AutoReleaseDays, &e.DisputeWindowDays,
		&disputeReason, &resolution,
		&fundedAt, &shippedAt, &deliveredAt, &disputedAt,
		&releasedAt, &refundedAt, &cancelledAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Method = FundingMethod(method)
	e.Status = Status(status)
	e.BuyerWalletID = buyerWalletID.String
	e.SellerWalletID = sellerWalletID.String
	e.Description = description.String
	e.DisputeReason = disputeReason.String
	e.Resolution = resolution.String
	e.FundedAt = timePtr(fundedAt)
	e.ShippedAt = timePtr(shippedAt)
	e.DeliveredAt = timePtr(deliveredAt)
	e.DisputedAt = timePtr(disputedAt)
	e.ReleasedAt = timePtr(releasedAt)
	e.RefundedAt = timePtr(refundedAt)
	e.CancelledAt = timePtr(cancelledAt)

	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		status      string
		completedAt sql.NullTime
		releasedAt  sql.NullTime
	)
	err := s.Scan(&m.ID, &m.EscrowID, &m.Name, &m.AmountCents, &status, &completedAt, &releasedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	m.CompletedAt = timePtr(completedAt)
	m.ReleasedAt = timePtr(releasedAt)
	return m, nil
}

func scanShipment(s scanner) (*Shipment, error) {
	sh := &Shipment{}
	var (
		carrier     sql.NullString
		tracking    sql.NullString
		status      string
		deliveredAt sql.NullTime
	)
	err := s.Scan(&sh.EscrowID, &carrier, &tracking, &sh.ShortRef, &sh.DeliveryCode, &status, &sh.ShippedAt, &deliveredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrShipmentNotFound
	}
	if err != nil {
		return nil, err
	}
	sh.Carrier = carrier.String
	sh.Tracking = tracking.String
	sh.Status = ShipmentStatus(status)
	sh.DeliveredAt = timePtr(deliveredAt)
	return sh, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
