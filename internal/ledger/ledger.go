package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"genesis/internal/chronicle"
	"genesis/internal/config"
	"genesis/internal/domain"
)

var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrUnknownCitizen     = errors.New("unknown citizen")
	ErrCitizenHibernating = errors.New("citizen is hibernating")
)

// Survival settlement outcomes, keyed by citizen id.
const (
	OutcomeHibernating = "hibernating"
	OutcomeHibernated  = "hibernated"
)

// Ledger owns citizen balances and the treasury. Every mutation runs in its
// own transaction and leaves an audit record behind.
type Ledger struct {
	DB        *sql.DB
	Chronicle chronicle.Writer
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:        db,
		Chronicle: chronicle.Writer{DB: db},
		Config:    cfg,
		Now:       time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// InitTreasury seeds the treasury row once; later calls are no-ops.
func (l Ledger) InitTreasury(ctx context.Context) error {
	seed := l.Config.Economy.TreasurySeed
	_, err := l.DB.ExecContext(ctx, `INSERT INTO treasury(id,balance,seed,external_income,total_spent) VALUES (1,?,?,0,0)
ON CONFLICT(id) DO NOTHING`, seed, seed)
	return err
}

// Register creates a citizen with the starting balance. Idempotent: a second
// call returns the existing record unchanged, with no second credit. Starting
// balances are pre-provisioned at genesis and not debited from the treasury.
func (l Ledger) Register(ctx context.Context, citizenID string, day int) (domain.Citizen, error) {
	if existing, err := l.Get(ctx, citizenID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrUnknownCitizen) {
		return domain.Citizen{}, err
	}
	now := l.now().UTC().Format(time.RFC3339)
	c := domain.Citizen{
		ID:           citizenID,
		Balance:      l.Config.World.InitialBalance,
		Status:       domain.CitizenActive,
		RegisteredAt: now,
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Citizen{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO citizens(id,balance,total_earned,total_spent,status,registered_at) VALUES (?,?,0,0,?,?)`,
		c.ID, c.Balance, c.Status, c.RegisteredAt); err != nil {
		return domain.Citizen{}, fmt.Errorf("insert citizen: %w", err)
	}
	if err := l.Chronicle.Append(ctx, tx, day, chronicle.TypeBirth,
		fmt.Sprintf("citizen %s entered the world", c.ID), c.ID); err != nil {
		return domain.Citizen{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Citizen{}, err
	}
	return c, nil
}

func scanCitizen(row *sql.Row) (domain.Citizen, error) {
	var c domain.Citizen
	err := row.Scan(&c.ID, &c.Balance, &c.TotalEarned, &c.TotalSpent, &c.Status, &c.RegisteredAt)
	if err == sql.ErrNoRows {
		return c, ErrUnknownCitizen
	}
	return c, err
}

func (l Ledger) Get(ctx context.Context, citizenID string) (domain.Citizen, error) {
	return scanCitizen(l.DB.QueryRowContext(ctx,
		`SELECT id,balance,total_earned,total_spent,status,registered_at FROM citizens WHERE id=?`, citizenID))
}

func (l Ledger) List(ctx context.Context) ([]domain.Citizen, error) {
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id,balance,total_earned,total_spent,status,registered_at FROM citizens ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Citizen
	for rows.Next() {
		var c domain.Citizen
		if err := rows.Scan(&c.ID, &c.Balance, &c.TotalEarned, &c.TotalSpent, &c.Status, &c.RegisteredAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ActiveCount returns how many citizens are still active.
func (l Ledger) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := l.DB.QueryRowContext(ctx, `SELECT count(*) FROM citizens WHERE status=?`, domain.CitizenActive).Scan(&n)
	return n, err
}

// PayResult reports both balances after a transfer.
type PayResult struct {
	SenderBalance   int `json:"sender_balance"`
	ReceiverBalance int `json:"receiver_balance"`
}

// Pay moves amount from one citizen to another, atomically. The transfer is
// rejected outright when the sender cannot cover it; no partial transfers.
func (l Ledger) Pay(ctx context.Context, from, to string, amount int, reason string, day int) (PayResult, error) {
	if amount <= 0 {
		return PayResult{}, fmt.Errorf("transfer amount must be positive")
	}
	if from == to {
		return PayResult{}, fmt.Errorf("cannot transfer to self")
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return PayResult{}, err
	}
	defer tx.Rollback()

	sender, err := scanCitizen(tx.QueryRowContext(ctx,
		`SELECT id,balance,total_earned,total_spent,status,registered_at FROM citizens WHERE id=?`, from))
	if err != nil {
		return PayResult{}, fmt.Errorf("sender %s: %w", from, err)
	}
	receiver, err := scanCitizen(tx.QueryRowContext(ctx,
		`SELECT id,balance,total_earned,total_spent,status,registered_at FROM citizens WHERE id=?`, to))
	if err != nil {
		return PayResult{}, fmt.Errorf("receiver %s: %w", to, err)
	}
	if sender.Status != domain.CitizenActive {
		return PayResult{}, fmt.Errorf("sender %s: %w", from, ErrCitizenHibernating)
	}
	if sender.Balance < amount {
		return PayResult{}, fmt.Errorf("%s has %d, needs %d: %w", from, sender.Balance, amount, ErrInsufficientFunds)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE citizens SET balance=balance-?, total_spent=total_spent+? WHERE id=?`, amount, amount, from); err != nil {
		return PayResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE citizens SET balance=balance+?, total_earned=total_earned+? WHERE id=?`, amount, amount, to); err != nil {
		return PayResult{}, err
	}
	if err := l.recordTransaction(ctx, tx, from, to, amount, reason); err != nil {
		return PayResult{}, err
	}
	if err := l.Chronicle.Append(ctx, tx, day, chronicle.TypeTransaction,
		fmt.Sprintf("%s paid %s %d tokens", from, to, amount), from); err != nil {
		return PayResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return PayResult{}, err
	}
	return PayResult{SenderBalance: sender.Balance - amount, ReceiverBalance: receiver.Balance + amount}, nil
}

// Reward credits a citizen from the world (no sender balance involved).
func (l Ledger) Reward(ctx context.Context, citizenID string, amount int, source string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	balance, err := l.RewardTx(ctx, tx, citizenID, amount, source)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// RewardTx is Reward inside the caller's transaction.
func (l Ledger) RewardTx(ctx context.Context, tx *sql.Tx, citizenID string, amount int, source string) (int, error) {
	c, err := scanCitizen(tx.QueryRowContext(ctx,
		`SELECT id,balance,total_earned,total_spent,status,registered_at FROM citizens WHERE id=?`, citizenID))
	if err != nil {
		return 0, fmt.Errorf("reward %s: %w", citizenID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE citizens SET balance=balance+?, total_earned=total_earned+? WHERE id=?`, amount, amount, citizenID); err != nil {
		return 0, err
	}
	if err := l.recordTransaction(ctx, tx, domain.WorldSender, citizenID, amount, source); err != nil {
		return 0, err
	}
	return c.Balance + amount, nil
}

func (l Ledger) recordTransaction(ctx context.Context, tx *sql.Tx, sender, receiver string, amount int, reason string) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO transactions(id,sender,receiver,amount,reason,ts) VALUES (?,?,?,?,?,?)`,
		uuid.New().String(), sender, receiver, amount, reason, ts)
	return err
}

// Transactions returns the audit trail, newest first.
func (l Ledger) Transactions(ctx context.Context, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id,sender,receiver,amount,COALESCE(reason,''),ts FROM transactions ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		if err := rows.Scan(&t.ID, &t.Sender, &t.Receiver, &t.Amount, &t.Reason, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeductSurvivalCost charges every active citizen the daily cost, hibernating
// anyone whose balance hits zero. The scheduler calls this exactly once per
// day; already-hibernating citizens are reported, not charged.
func (l Ledger) DeductSurvivalCost(ctx context.Context, day int) (map[string]string, error) {
	cost := l.Config.World.SurvivalCost
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id,balance,status FROM citizens ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	type row struct {
		id      string
		balance int
		status  string
	}
	var citizens []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.balance, &r.status); err != nil {
			rows.Close()
			return nil, err
		}
		citizens = append(citizens, r)
	}
	rows.Close()

	results := make(map[string]string, len(citizens))
	for _, c := range citizens {
		if c.status != domain.CitizenActive {
			results[c.id] = OutcomeHibernating
			continue
		}
		charged := cost
		if charged > c.balance {
			charged = c.balance
		}
		remaining := c.balance - charged
		if remaining <= 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE citizens SET balance=0, total_spent=total_spent+?, status=? WHERE id=?`,
				charged, domain.CitizenHibernating, c.id); err != nil {
				return nil, err
			}
			results[c.id] = OutcomeHibernated
			if err := l.Chronicle.Append(ctx, tx, day, chronicle.TypeHibernation,
				fmt.Sprintf("%s ran out of tokens and entered hibernation", c.id), c.id); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `UPDATE citizens SET balance=?, total_spent=total_spent+? WHERE id=?`,
			remaining, charged, c.id); err != nil {
			return nil, err
		}
		results[c.id] = fmt.Sprintf("alive (%d left)", remaining)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return results, nil
}

// Deposit credits the treasury unconditionally.
func (l Ledger) Deposit(ctx context.Context, amount int, source string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	balance, err := l.DepositTx(ctx, tx, amount, source)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// DepositTx is Deposit inside the caller's transaction.
func (l Ledger) DepositTx(ctx context.Context, tx *sql.Tx, amount int, source string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("deposit amount must not be negative")
	}
	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM treasury WHERE id=1`).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read treasury: %w", err)
	}
	balance += amount
	if _, err := tx.ExecContext(ctx, `UPDATE treasury SET balance=?, external_income=external_income+? WHERE id=1`, balance, amount); err != nil {
		return 0, err
	}
	if err := l.logTreasury(ctx, tx, "deposit", amount, source, balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// Withdraw debits the treasury, rejecting (not clamping) when funds are short.
func (l Ledger) Withdraw(ctx context.Context, amount int, purpose string) (int, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	balance, err := l.WithdrawTx(ctx, tx, amount, purpose)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return balance, nil
}

// WithdrawTx is Withdraw inside the caller's transaction.
func (l Ledger) WithdrawTx(ctx context.Context, tx *sql.Tx, amount int, purpose string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("withdraw amount must not be negative")
	}
	var balance int
	if err := tx.QueryRowContext(ctx, `SELECT balance FROM treasury WHERE id=1`).Scan(&balance); err != nil {
		return 0, fmt.Errorf("read treasury: %w", err)
	}
	if balance < amount {
		return 0, fmt.Errorf("treasury has %d, needs %d: %w", balance, amount, ErrInsufficientFunds)
	}
	balance -= amount
	if _, err := tx.ExecContext(ctx, `UPDATE treasury SET balance=?, total_spent=total_spent+? WHERE id=1`, balance, amount); err != nil {
		return 0, err
	}
	if err := l.logTreasury(ctx, tx, "withdraw", amount, purpose, balance); err != nil {
		return 0, err
	}
	return balance, nil
}

func (l Ledger) logTreasury(ctx context.Context, tx *sql.Tx, entryType string, amount int, source string, balanceAfter int) error {
	ts := l.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO treasury_log(type,amount,source,balance_after,ts) VALUES (?,?,?,?,?)`,
		entryType, amount, source, balanceAfter, ts)
	return err
}

// Treasury returns the raw treasury record.
func (l Ledger) Treasury(ctx context.Context) (domain.Treasury, error) {
	var t domain.Treasury
	err := l.DB.QueryRowContext(ctx, `SELECT balance,seed,external_income,total_spent FROM treasury WHERE id=1`).
		Scan(&t.Balance, &t.Seed, &t.ExternalIncome, &t.TotalSpent)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("treasury not initialized")
	}
	return t, err
}

// TreasuryStatus reports balance, a crude burn-rate estimate and health.
// Health gates the task market: below the reserve, no needs are published.
func (l Ledger) TreasuryStatus(ctx context.Context) (domain.TreasuryStatus, error) {
	t, err := l.Treasury(ctx)
	if err != nil {
		return domain.TreasuryStatus{}, err
	}
	active, err := l.ActiveCount(ctx)
	if err != nil {
		return domain.TreasuryStatus{}, err
	}
	status := domain.TreasuryStatus{
		Balance:        t.Balance,
		ExternalIncome: t.ExternalIncome,
		TotalSpent:     t.TotalSpent,
		Healthy:        t.Balance > l.Config.Economy.MinReserve,
	}
	burn := active * l.Config.World.SurvivalCost
	if burn > 0 && t.Balance > 0 {
		status.DaysLeft = math.Round(float64(t.Balance)/float64(burn)*10) / 10
	}
	return status, nil
}

// TreasuryLog returns the treasury audit trail, newest first.
func (l Ledger) TreasuryLog(ctx context.Context, limit int) ([]domain.TreasuryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.DB.QueryContext(ctx,
		`SELECT id,type,amount,source,balance_after,ts FROM treasury_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TreasuryEntry
	for rows.Next() {
		var e domain.TreasuryEntry
		if err := rows.Scan(&e.ID, &e.Type, &e.Amount, &e.Source, &e.BalanceAfter, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
