package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func balancedEntries() []Entry {
	return []Entry{
		{Account: AccountEscrowHold, Currency: "USD", AmountCents: 9500},
		{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -10000},
		{Account: AccountFeesRevenue, Currency: "USD", AmountCents: 500},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		wantErr bool
	}{
		{
			name:    "balanced funding",
			entries: balancedEntries(),
		},
		{
			name: "two-entry transfer",
			entries: []Entry{
				{Account: AccountUserWallet, Currency: "EUR", AmountCents: -2500},
				{Account: AccountPayoutDestination, Currency: "EUR", AmountCents: 2500},
			},
		},
		{
			name: "unbalanced",
			entries: []Entry{
				{Account: AccountEscrowHold, Currency: "USD", AmountCents: 100},
				{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -99},
			},
			wantErr: true,
		},
		{
			name: "single entry",
			entries: []Entry{
				{Account: AccountEscrowHold, Currency: "USD", AmountCents: 100},
			},
			wantErr: true,
		},
		{
			name:    "no entries",
			wantErr: true,
		},
		{
			name: "zero amount entry",
			entries: []Entry{
				{Account: AccountEscrowHold, Currency: "USD", AmountCents: 0},
				{Account: AccountBuyerWallet, Currency: "USD", AmountCents: 0},
			},
			wantErr: true,
		},
		{
			name: "missing account",
			entries: []Entry{
				{Currency: "USD", AmountCents: 100},
				{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -100},
			},
			wantErr: true,
		},
		{
			name: "missing currency",
			entries: []Entry{
				{Account: AccountEscrowHold, AmountCents: 100},
				{Account: AccountBuyerWallet, AmountCents: -100},
			},
			wantErr: true,
		},
		{
			name: "balanced per currency",
			entries: []Entry{
				{Account: AccountEscrowHold, Currency: "USD", AmountCents: 100},
				{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -100},
				{Account: AccountEscrowHold, Currency: "EUR", AmountCents: 200},
				{Account: AccountBuyerWallet, Currency: "EUR", AmountCents: -200},
			},
		},
		{
			name: "cross-currency imbalance",
			entries: []Entry{
				{Account: AccountEscrowHold, Currency: "USD", AmountCents: 100},
				{Account: AccountBuyerWallet, Currency: "EUR", AmountCents: -100},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New(TypeEscrowFunding, "esc_1", "test", tt.entries...)
			err := j.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateUnbalancedError(t *testing.T) {
	j := New(TypeEscrowFunding, "", "",
		Entry{Account: AccountEscrowHold, Currency: "USD", AmountCents: 150},
		Entry{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -100},
	)
	err := j.Validate()

	var ub *UnbalancedError
	if !errors.As(err, &ub) {
		t.Fatalf("err = %T, want *UnbalancedError", err)
	}
	if ub.Currency != "USD" || ub.Sum != 50 {
		t.Errorf("UnbalancedError = %s/%d, want USD/50", ub.Currency, ub.Sum)
	}
}

func TestNewStampsEntries(t *testing.T) {
	j := New(TypeEscrowRelease, "esc_42", "release", balancedEntries()...)

	if !strings.HasPrefix(j.ID, "jrn_") {
		t.Errorf("ID = %q, want jrn_ prefix", j.ID)
	}
	if j.EscrowID != "esc_42" {
		t.Errorf("EscrowID = %q, want esc_42", j.EscrowID)
	}
	for i, e := range j.Entries {
		if e.JournalID != j.ID {
			t.Errorf("entry %d journalID = %q, want %q", i, e.JournalID, j.ID)
		}
	}
}

func TestWriterCreate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	w := NewWriter(store)

	j, err := w.Create(ctx, TypeEscrowFunding, "esc_1", "funding", balancedEntries()...)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := w.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != TypeEscrowFunding || len(got.Entries) != 3 {
		t.Errorf("got type %s with %d entries, want escrow_funding with 3", got.Type, len(got.Entries))
	}

	// Invalid journals never reach the store.
	_, err = w.Create(ctx, TypeEscrowFunding, "esc_1", "bad",
		Entry{Account: AccountEscrowHold, Currency: "USD", AmountCents: 100},
		Entry{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -50},
	)
	if err == nil {
		t.Fatal("expected validation error")
	}
	journals, _ := w.ForEscrow(ctx, "esc_1")
	if len(journals) != 1 {
		t.Errorf("journals = %d, want only the valid one", len(journals))
	}
}

func TestWriterRecent(t *testing.T) {
	ctx := context.Background()
	w := NewWriter(NewMemoryStore())

	for i := 0; i < 5; i++ {
		if _, err := w.Create(ctx, TypeWalletTopup, "", "topup",
			Entry{Account: AccountFundingSource, Currency: "USD", AmountCents: -100},
			Entry{Account: AccountUserWallet, Currency: "USD", AmountCents: 100},
		); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	recent, err := w.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 3 {
		t.Errorf("recent = %d, want 3", len(recent))
	}
}

func TestGetUnknownJournal(t *testing.T) {
	w := NewWriter(NewMemoryStore())
	if _, err := w.Get(context.Background(), "jrn_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendRejectsUnbalancedJournal(t *testing.T) {
	store := NewMemoryStore()
	j := New(TypeEscrowFunding, "esc_1", "lopsided",
		Entry{Account: AccountEscrowHold, Currency: "USD", AmountCents: 100},
		Entry{Account: AccountBuyerWallet, Currency: "USD", AmountCents: -50},
	)

	err := store.Append(context.Background(), j)
	var ub *UnbalancedError
	if !errors.As(err, &ub) {
		t.Fatalf("err = %v, want UnbalancedError", err)
	}

	if _, err := store.Get(context.Background(), j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("unbalanced journal was stored: err = %v, want ErrNotFound", err)
	}
}
