package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"genesis/internal/chronicle"
	"genesis/internal/config"
	"genesis/internal/db"
	"genesis/internal/ledger"
	"genesis/internal/migrate"
)

func newTestLedger(t *testing.T) (ledger.Ledger, context.Context) {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	fixed := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	led := ledger.Ledger{
		DB:        conn,
		Chronicle: chronicle.Writer{DB: conn, Now: fixed},
		Config:    cfg,
		Now:       fixed,
	}
	ctx := context.Background()
	if err := led.InitTreasury(ctx); err != nil {
		t.Fatalf("init treasury: %v", err)
	}
	return led, ctx
}

func totalTokens(t *testing.T, led ledger.Ledger, ctx context.Context) int {
	t.Helper()
	citizens, err := led.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	sum := 0
	for _, c := range citizens {
		sum += c.Balance
	}
	treasury, err := led.Treasury(ctx)
	if err != nil {
		t.Fatalf("treasury: %v", err)
	}
	return sum + treasury.Balance
}

func TestRegisterIdempotent(t *testing.T) {
	led, ctx := newTestLedger(t)
	first, err := led.Register(ctx, "C1", 0)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if first.Balance != led.Config.World.InitialBalance {
		t.Fatalf("initial balance = %d, want %d", first.Balance, led.Config.World.InitialBalance)
	}
	again, err := led.Register(ctx, "C1", 0)
	if err != nil {
		t.Fatalf("second register: %v", err)
	}
	if again.Balance != first.Balance {
		t.Fatalf("re-registering changed balance: %d -> %d", first.Balance, again.Balance)
	}
}

func TestPayMovesTokensAtomically(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)
	led.Register(ctx, "C2", 0)

	before := totalTokens(t, led, ctx)
	res, err := led.Pay(ctx, "C1", "C2", 10, "thanks", 1)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if res.SenderBalance != 40 || res.ReceiverBalance != 60 {
		t.Fatalf("balances after pay = %d/%d, want 40/60", res.SenderBalance, res.ReceiverBalance)
	}
	if after := totalTokens(t, led, ctx); after != before {
		t.Fatalf("tokens not conserved: %d -> %d", before, after)
	}
}

func TestPayInsufficientFundsLeavesBalancesUntouched(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)
	led.Register(ctx, "C2", 0)

	_, err := led.Pay(ctx, "C1", "C2", 999, "", 1)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	c1, _ := led.Get(ctx, "C1")
	c2, _ := led.Get(ctx, "C2")
	if c1.Balance != 50 || c2.Balance != 50 {
		t.Fatalf("balances changed on rejected pay: %d/%d", c1.Balance, c2.Balance)
	}
}

func TestPayUnknownCitizen(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)
	if _, err := led.Pay(ctx, "C1", "ghost", 5, "", 1); !errors.Is(err, ledger.ErrUnknownCitizen) {
		t.Fatalf("want ErrUnknownCitizen, got %v", err)
	}
	if _, err := led.Pay(ctx, "ghost", "C1", 5, "", 1); !errors.Is(err, ledger.ErrUnknownCitizen) {
		t.Fatalf("want ErrUnknownCitizen for unknown sender, got %v", err)
	}
}

func TestDeductSurvivalCostBoundary(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)

	// Drain C1 to 3 tokens, inside [0, cost).
	if _, err := led.Register(ctx, "sink", 0); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Pay(ctx, "C1", "sink", 47, "", 1); err != nil {
		t.Fatalf("drain: %v", err)
	}

	results, err := led.DeductSurvivalCost(ctx, 1)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if results["C1"] != ledger.OutcomeHibernated {
		t.Fatalf("C1 outcome = %q, want hibernated", results["C1"])
	}
	c1, _ := led.Get(ctx, "C1")
	if c1.Balance != 0 {
		t.Fatalf("balance clamped to %d, want 0", c1.Balance)
	}
	if c1.Status != "hibernating" {
		t.Fatalf("status = %q, want hibernating", c1.Status)
	}

	// A second day reports the hibernation without charging anyone.
	results, err = led.DeductSurvivalCost(ctx, 2)
	if err != nil {
		t.Fatalf("second deduct: %v", err)
	}
	if results["C1"] != ledger.OutcomeHibernating {
		t.Fatalf("second day outcome = %q, want hibernating", results["C1"])
	}
}

func TestDeductSurvivalCostAliveOutcome(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)
	results, err := led.DeductSurvivalCost(ctx, 1)
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if results["C1"] != "alive (45 left)" {
		t.Fatalf("outcome = %q, want alive (45 left)", results["C1"])
	}
}

func TestWithdrawRejectsOverdraft(t *testing.T) {
	led, ctx := newTestLedger(t)
	if _, err := led.Withdraw(ctx, 10000, "too much"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("want ErrInsufficientFunds, got %v", err)
	}
	treasury, _ := led.Treasury(ctx)
	if treasury.Balance != led.Config.Economy.TreasurySeed {
		t.Fatalf("treasury changed on rejected withdraw: %d", treasury.Balance)
	}
}

func TestTreasuryStatusHealth(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)

	status, err := led.TreasuryStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Healthy {
		t.Fatalf("seeded treasury should be healthy")
	}
	// 500 balance, 1 active citizen at 5/day.
	if status.DaysLeft != 100 {
		t.Fatalf("days left = %v, want 100", status.DaysLeft)
	}

	// Drop to the reserve exactly; health requires strictly above it.
	if _, err := led.Withdraw(ctx, 450, "spend down"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	status, _ = led.TreasuryStatus(ctx)
	if status.Healthy {
		t.Fatalf("treasury at the reserve must not be healthy")
	}
}

func TestConservationOverMixedSequence(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)
	led.Register(ctx, "C2", 0)

	genesisTotal := totalTokens(t, led, ctx)
	deposits := 0

	if _, err := led.Pay(ctx, "C1", "C2", 7, "", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Withdraw(ctx, 10, "need reward"); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Reward(ctx, "C2", 10, "need reward"); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Deposit(ctx, 30, "external income"); err != nil {
		t.Fatal(err)
	}
	deposits += 30
	if _, err := led.Pay(ctx, "C2", "C1", 3, "", 1); err != nil {
		t.Fatal(err)
	}

	if got := totalTokens(t, led, ctx); got != genesisTotal+deposits {
		t.Fatalf("total = %d, want %d", got, genesisTotal+deposits)
	}
}

func TestHibernatingSenderCannotPay(t *testing.T) {
	led, ctx := newTestLedger(t)
	led.Register(ctx, "C1", 0)
	led.Register(ctx, "C2", 0)
	if _, err := led.DB.ExecContext(ctx, `UPDATE citizens SET status='hibernating' WHERE id='C1'`); err != nil {
		t.Fatal(err)
	}
	if _, err := led.Pay(ctx, "C1", "C2", 1, "", 1); !errors.Is(err, ledger.ErrCitizenHibernating) {
		t.Fatalf("want ErrCitizenHibernating, got %v", err)
	}
}
