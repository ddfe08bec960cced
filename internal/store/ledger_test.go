package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func newFundedAccount(t *testing.T, s *Store, identity string, credits int) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.CreateAccount(ctx, identity, "en"); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if _, err := s.Activate(ctx, identity, credits); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
}

func TestDebitUsage(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 10)

	ok, err := s.DebitUsage(ctx, "+46700000001", 1, "AI reply")
	if err != nil {
		t.Fatalf("DebitUsage failed: %v", err)
	}
	if !ok {
		t.Fatal("debit declined with sufficient balance")
	}

	balance, err := s.Balance(ctx, "+46700000001")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 9 {
		t.Errorf("Balance = %d, want 9", balance)
	}

	txns, err := s.Transactions(ctx, "+46700000001", 0)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}
	var usage *Transaction
	for i := range txns {
		if txns[i].Kind == KindUsage {
			usage = &txns[i]
		}
	}
	if usage == nil {
		t.Fatal("no usage transaction logged")
	}
	if usage.Delta != -1 {
		t.Errorf("Delta = %d, want -1", usage.Delta)
	}
	if usage.Description != "AI reply" {
		t.Errorf("Description = %q, want %q", usage.Description, "AI reply")
	}
}

func TestDebitUsage_InsufficientBalance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 0)

	ok, err := s.DebitUsage(ctx, "+46700000001", 1, "AI reply")
	if err != nil {
		t.Fatalf("DebitUsage failed: %v", err)
	}
	if ok {
		t.Fatal("debit succeeded with zero balance")
	}

	balance, err := s.Balance(ctx, "+46700000001")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Balance = %d, want 0", balance)
	}

	txns, err := s.Transactions(ctx, "+46700000001", 0)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txns) != 0 {
		t.Errorf("declined debit logged %d transactions", len(txns))
	}
}

func TestDebitUsage_ExactBalance(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 1)

	ok, err := s.DebitUsage(ctx, "+46700000001", 1, "AI reply")
	if err != nil {
		t.Fatalf("DebitUsage failed: %v", err)
	}
	if !ok {
		t.Fatal("debit declined with exact balance")
	}

	balance, err := s.Balance(ctx, "+46700000001")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Balance = %d, want 0", balance)
	}

	// The next debit must decline rather than go negative.
	ok, err = s.DebitUsage(ctx, "+46700000001", 1, "AI reply")
	if err != nil {
		t.Fatalf("DebitUsage failed: %v", err)
	}
	if ok {
		t.Error("debit succeeded past zero")
	}
}

func TestDebitUsage_ConcurrentSingleWinner(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 1)

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.DebitUsage(ctx, "+46700000001", 1, "AI reply")
			if err != nil {
				t.Errorf("DebitUsage failed: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	won := 0
	for ok := range results {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Errorf("%d debits succeeded, want exactly 1", won)
	}

	balance, err := s.Balance(ctx, "+46700000001")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Balance = %d, want 0", balance)
	}
}

func TestRefundUsage(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 5)

	if ok, err := s.DebitUsage(ctx, "+46700000001", 1, "Place search"); err != nil || !ok {
		t.Fatalf("DebitUsage = %v, %v", ok, err)
	}

	*clock = clock.Add(time.Second)
	if err := s.RefundUsage(ctx, "+46700000001", 1, "Place search failed"); err != nil {
		t.Fatalf("RefundUsage failed: %v", err)
	}

	balance, err := s.Balance(ctx, "+46700000001")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 5 {
		t.Errorf("Balance = %d, want 5", balance)
	}

	txns, err := s.Transactions(ctx, "+46700000001", 1)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	if txns[0].Kind != KindRefund {
		t.Errorf("Kind = %q, want %q", txns[0].Kind, KindRefund)
	}
	if txns[0].Delta != 1 {
		t.Errorf("Delta = %d, want 1", txns[0].Delta)
	}
}

func TestApplyPurchase(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 0)

	if err := s.ApplyPurchase(ctx, "+46700000001", 50, "50 credit pack", "pay_123"); err != nil {
		t.Fatalf("ApplyPurchase failed: %v", err)
	}

	balance, err := s.Balance(ctx, "+46700000001")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 50 {
		t.Errorf("Balance = %d, want 50", balance)
	}

	txns, err := s.Transactions(ctx, "+46700000001", 0)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txns))
	}
	if txns[0].Kind != KindPurchase {
		t.Errorf("Kind = %q, want %q", txns[0].Kind, KindPurchase)
	}
	if txns[0].ExternalRef != "pay_123" {
		t.Errorf("ExternalRef = %q, want %q", txns[0].ExternalRef, "pay_123")
	}
}

func TestApplyPurchase_UnknownAccount(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.ApplyPurchase(context.Background(), "+46700000099", 50, "50 credit pack", ""); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestTransactions_NewestFirst(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	newFundedAccount(t, s, "+46700000001", 5)

	for _, desc := range []string{"AI reply", "Image analysis", "Follow-up expansion"} {
		*clock = clock.Add(time.Minute)
		if ok, err := s.DebitUsage(ctx, "+46700000001", 1, desc); err != nil || !ok {
			t.Fatalf("DebitUsage(%q) = %v, %v", desc, ok, err)
		}
	}

	txns, err := s.Transactions(ctx, "+46700000001", 2)
	if err != nil {
		t.Fatalf("Transactions failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("got %d transactions, want 2", len(txns))
	}
	if txns[0].Description != "Follow-up expansion" {
		t.Errorf("txns[0] = %q, want newest entry first", txns[0].Description)
	}
	if txns[1].Description != "Image analysis" {
		t.Errorf("txns[1] = %q, want %q", txns[1].Description, "Image analysis")
	}
}

func TestDebitUsage_RejectsNonPositiveAmount(t *testing.T) {
	s, _ := newTestStore(t)
	newFundedAccount(t, s, "+46700000001", 5)

	if _, err := s.DebitUsage(context.Background(), "+46700000001", 0, "noop"); err == nil {
		t.Error("expected error for zero amount")
	}
	if _, err := s.DebitUsage(context.Background(), "+46700000001", -1, "noop"); err == nil {
		t.Error("expected error for negative amount")
	}
}
