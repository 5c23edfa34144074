//go:build integration

package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clearhold/clearhold/internal/idgen"
	"github.com/clearhold/clearhold/internal/journal"
	"github.com/clearhold/clearhold/internal/testutil"
	"github.com/clearhold/clearhold/internal/wallet"
)

func pgEscrow(buyerWallet, sellerWallet string) *Escrow {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Escrow{
		ID:                idgen.WithPrefix("esc_"),
		BuyerID:           "buyer-pg",
		SellerID:          "seller-pg",
		Currency:          "USD",
		AmountCents:       10000,
		FeeCents:          500,
		NetAmountCents:    9500,
		Method:            MethodWallet,
		BuyerWalletID:     buyerWallet,
		SellerWalletID:    sellerWallet,
		Status:            StatusAwaitingFunding,
		AutoReleaseDays:   7,
		DisputeWindowDays: 3,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func pgSetupWallet(t *testing.T, store *wallet.PostgresStore, userID string, available int64) *wallet.Wallet {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	w, err := store.GetOrCreate(ctx, &wallet.Wallet{
		ID:        idgen.WithPrefix("wal_"),
		UserID:    userID,
		Currency:  "USD",
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("GetOrCreate wallet failed: %v", err)
	}
	if available > 0 {
		if err := store.Apply(ctx, []wallet.Mutation{wallet.Credit(w.ID, available)}, nil); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}
	return w
}

func TestPostgresEscrow_CreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e := pgEscrow("", "")
	milestones := []*Milestone{
		{ID: idgen.WithPrefix("mls_"), EscrowID: e.ID, Name: "design", AmountCents: 3000, Status: MilestonePending, CreatedAt: e.CreatedAt},
		{ID: idgen.WithPrefix("mls_"), EscrowID: e.ID, Name: "build", AmountCents: 6500, Status: MilestonePending, CreatedAt: e.CreatedAt.Add(time.Millisecond)},
	}

	if err := store.Create(ctx, e, milestones); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, e.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != StatusAwaitingFunding {
		t.Errorf("Status: got %s, want %s", got.Status, StatusAwaitingFunding)
	}
	if got.NetAmountCents != 9500 {
		t.Errorf("NetAmountCents: got %d, want 9500", got.NetAmountCents)
	}

	ms, err := store.ListMilestones(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListMilestones failed: %v", err)
	}
	if len(ms) != 2 {
		t.Fatalf("Expected 2 milestones, got %d", len(ms))
	}
	if ms[0].Name != "design" {
		t.Errorf("Expected milestones ordered by creation, got %s first", ms[0].Name)
	}
}

func TestPostgresEscrow_TransitionMovesMoney(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	walletStore := wallet.NewPostgresStore(db)
	journalStore := journal.NewPostgresStore(db)
	ctx := context.Background()

	buyerW := pgSetupWallet(t, walletStore, "buyer-pg", 20000)
	if err := walletStore.Apply(ctx, []wallet.Mutation{wallet.Reserve(buyerW.ID, 10000)}, nil); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	e := pgEscrow(buyerW.ID, "")
	if err := store.Create(ctx, e, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	funded := *e
	funded.Status = StatusFunded
	funded.FundedAt = &now
	funded.UpdatedAt = now

	jr := journal.New(journal.TypeEscrowFunding, e.ID, "escrow funded",
		journal.Entry{Account: journal.AccountEscrowHold, Currency: "USD", AmountCents: 9500},
		journal.Entry{Account: journal.AccountBuyerWallet, Currency: "USD", AmountCents: -10000},
		journal.Entry{Account: journal.AccountFeesRevenue, Currency: "USD", AmountCents: 500},
	)
	if err := store.Transition(ctx, &funded, StatusAwaitingFunding, nil, jr); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusFunded {
		t.Errorf("Status: got %s, want funded", got.Status)
	}
	if got.FundedAt == nil {
		t.Error("Expected FundedAt to be set")
	}

	journals, err := journalStore.ListByEscrow(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(journals) != 1 {
		t.Errorf("Expected 1 journal, got %d", len(journals))
	}

	// Repeating the same transition fails the status guard and writes nothing
	err = store.Transition(ctx, &funded, StatusAwaitingFunding, nil, jr)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	journals, _ = journalStore.ListByEscrow(ctx, e.ID)
	if len(journals) != 1 {
		t.Errorf("Failed transition wrote a journal: got %d", len(journals))
	}
}

func TestPostgresEscrow_TransitionRollsBackOnBadMutation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	walletStore := wallet.NewPostgresStore(db)
	ctx := context.Background()

	buyerW := pgSetupWallet(t, walletStore, "buyer-pg", 1000)

	e := pgEscrow(buyerW.ID, "")
	if err := store.Create(ctx, e, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cancelled := *e
	cancelled.Status = StatusCancelled

	// Overdrawing mutation must roll back the whole transition
	err := store.Transition(ctx, &cancelled, StatusAwaitingFunding,
		[]wallet.Mutation{wallet.Debit(buyerW.ID, 5000)}, nil)
	if !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("Expected ErrInsufficientFunds, got %v", err)
	}

	got, _ := store.Get(ctx, e.ID)
	if got.Status != StatusAwaitingFunding {
		t.Errorf("Status changed on failed transition: %s", got.Status)
	}
	w, _ := walletStore.Get(ctx, buyerW.ID)
	if w.AvailableCents != 1000 {
		t.Errorf("Wallet changed on failed transition: %d", w.AvailableCents)
	}
}

func TestPostgresEscrow_TransitionUnknown(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)

	e := pgEscrow("", "")
	e.Status = StatusFunded
	err := store.Transition(context.Background(), e, StatusAwaitingFunding, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostgresEscrow_ShipmentUpsertAndShortRef(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	e1 := pgEscrow("", "")
	e2 := pgEscrow("", "")
	if err := store.Create(ctx, e1, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, e2, nil); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sh := &Shipment{
		EscrowID:     e1.ID,
		Carrier:      "UPS",
		Tracking:     "1Z999",
		ShortRef:     "ABCD2345",
		DeliveryCode: "123456",
		Status:       ShipmentShipped,
		ShippedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := store.SaveShipment(ctx, sh); err != nil {
		t.Fatalf("SaveShipment failed: %v", err)
	}

	got, err := store.GetShipmentByRef(ctx, "ABCD2345")
	if err != nil {
		t.Fatalf("GetShipmentByRef failed: %v", err)
	}
	if got.EscrowID != e1.ID {
		t.Errorf("EscrowID: got %s, want %s", got.EscrowID, e1.ID)
	}
	if got.DeliveryCode != "123456" {
		t.Errorf("DeliveryCode not persisted")
	}

	// Same escrow may update its shipment in place
	now := time.Now().UTC()
	sh.Status = ShipmentDelivered
	sh.DeliveredAt = &now
	if err := store.SaveShipment(ctx, sh); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	got, _ = store.GetShipment(ctx, e1.ID)
	if got.Status != ShipmentDelivered {
		t.Errorf("Status: got %s, want delivered", got.Status)
	}

	// Another escrow may not reuse the reference
	dup := &Shipment{
		EscrowID:     e2.ID,
		ShortRef:     "ABCD2345",
		DeliveryCode: "654321",
		Status:       ShipmentShipped,
		ShippedAt:    time.Now().UTC(),
	}
	if err := store.SaveShipment(ctx, dup); !errors.Is(err, ErrShortRefTaken) {
		t.Errorf("Expected ErrShortRefTaken, got %v", err)
	}
}

func TestPostgresEscrow_ListAutoReleasable(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	deliveredAt := time.Now().UTC().Add(-3 * 24 * time.Hour)

	due := pgEscrow("", "")
	due.Status = StatusDelivered
	due.AutoReleaseDays = 2
	due.DeliveredAt = &deliveredAt

	notDue := pgEscrow("", "")
	notDue.Status = StatusDelivered
	notDue.AutoReleaseDays = 7
	notDue.DeliveredAt = &deliveredAt

	for _, e := range []*Escrow{due, notDue} {
		if err := store.Create(ctx, e, nil); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	list, err := store.ListAutoReleasable(ctx, time.Now().UTC(), 100)
	if err != nil {
		t.Fatalf("ListAutoReleasable failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != due.ID {
		t.Fatalf("Expected only the due escrow, got %d results", len(list))
	}
}
