package external

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"genesis/internal/chronicle"
	"genesis/internal/config"
	"genesis/internal/domain"
	"genesis/internal/ledger"
)

var ErrOutputNotFound = errors.New("output not found")

// Registry tracks outputs citizens produce for the outside world and the
// income those outputs bring back in. Income is the only way new tokens
// enter the economy after genesis.
type Registry struct {
	DB        *sql.DB
	Chronicle chronicle.Writer
	Ledger    ledger.Ledger
	Config    *config.Config
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, led ledger.Ledger) Registry {
	return Registry{
		DB:        db,
		Chronicle: chronicle.Writer{DB: db},
		Ledger:    led,
		Config:    cfg,
		Now:       time.Now,
	}
}

func (r Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RegisterOutput records a publishable artifact a citizen produced.
func (r Registry) RegisterOutput(ctx context.Context, citizenID, outputType, title, contentPath string, day int) (domain.Output, error) {
	if _, err := r.Ledger.Get(ctx, citizenID); err != nil {
		return domain.Output{}, err
	}
	out := domain.Output{
		ID:          uuid.New().String(),
		CitizenID:   citizenID,
		Type:        outputType,
		Title:       title,
		ContentPath: contentPath,
		Day:         day,
		TS:          r.now().UTC().Format(time.RFC3339),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Output{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO outputs(id,citizen_id,type,title,content_path,day,income_generated,ts) VALUES (?,?,?,?,?,?,0,?)`,
		out.ID, out.CitizenID, out.Type, out.Title, nullable(out.ContentPath), out.Day, out.TS); err != nil {
		return domain.Output{}, err
	}
	if err := r.Chronicle.Append(ctx, tx, day, chronicle.TypeOutput,
		fmt.Sprintf("%s registered %s output: %s", citizenID, outputType, title), citizenID); err != nil {
		return domain.Output{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Output{}, err
	}
	return out, nil
}

// RecordIncome books externally earned tokens. The treasury takes its tax cut
// and the producing citizen keeps the rest, settled in one transaction.
func (r Registry) RecordIncome(ctx context.Context, citizenID string, amount int, source string, day int) (domain.IncomeEntry, error) {
	if amount <= 0 {
		return domain.IncomeEntry{}, fmt.Errorf("income amount must be positive")
	}
	if _, err := r.Ledger.Get(ctx, citizenID); err != nil {
		return domain.IncomeEntry{}, err
	}
	treasuryShare := amount * r.Config.Economy.IncomeTaxPercent / 100
	citizenShare := amount - treasuryShare
	ts := r.now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IncomeEntry{}, err
	}
	defer tx.Rollback()
	if _, err := r.Ledger.DepositTx(ctx, tx, treasuryShare, source); err != nil {
		return domain.IncomeEntry{}, err
	}
	if _, err := r.Ledger.RewardTx(ctx, tx, citizenID, citizenShare, source); err != nil {
		return domain.IncomeEntry{}, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO income_log(amount,citizen_id,citizen_share,treasury_share,source,ts) VALUES (?,?,?,?,?,?)`,
		amount, citizenID, citizenShare, treasuryShare, source, ts)
	if err != nil {
		return domain.IncomeEntry{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.IncomeEntry{}, err
	}
	if err := r.Chronicle.Append(ctx, tx, day, chronicle.TypeIncome,
		fmt.Sprintf("%s brought in %d tokens from %s (%d to treasury)", citizenID, amount, source, treasuryShare), citizenID); err != nil {
		return domain.IncomeEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IncomeEntry{}, err
	}
	return domain.IncomeEntry{
		ID:            id,
		Amount:        amount,
		CitizenID:     citizenID,
		CitizenShare:  citizenShare,
		TreasuryShare: treasuryShare,
		Source:        source,
		TS:            ts,
	}, nil
}

// Outputs lists registered outputs, newest first. An empty citizenID lists all.
func (r Registry) Outputs(ctx context.Context, citizenID string, limit int) ([]domain.Output, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id,citizen_id,type,title,COALESCE(content_path,''),day,income_generated,ts FROM outputs`
	args := []any{}
	if citizenID != "" {
		q += ` WHERE citizen_id=?`
		args = append(args, citizenID)
	}
	q += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Output
	for rows.Next() {
		var o domain.Output
		if err := rows.Scan(&o.ID, &o.CitizenID, &o.Type, &o.Title, &o.ContentPath, &o.Day, &o.IncomeGenerated, &o.TS); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// IncomeLog lists income entries, newest first.
func (r Registry) IncomeLog(ctx context.Context, limit int) ([]domain.IncomeEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,amount,citizen_id,citizen_share,treasury_share,source,ts FROM income_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IncomeEntry
	for rows.Next() {
		var e domain.IncomeEntry
		if err := rows.Scan(&e.ID, &e.Amount, &e.CitizenID, &e.CitizenShare, &e.TreasuryShare, &e.Source, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
