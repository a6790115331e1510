package market

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

var (
	ErrNeedNotFound = errors.New("need not found")
	ErrNeedNotOpen  = errors.New("need is not open")
	ErrSelfVote     = errors.New("cannot vote for yourself")
)

// Scorer picks the winning citizen among a need's submissions. It is a read
// only decision: the market settles the reward itself and falls back to the
// earliest submitter when the verdict names nobody in the field.
type Scorer interface {
	Score(ctx context.Context, need domain.Need) (string, error)
}

// Market publishes the daily need catalog, collects submissions and votes,
// and settles rewards out of the treasury.
type Market struct {
	DB        *sql.DB
	Chronicle chronicle.Writer
	Ledger    ledger.Ledger
	Config    *config.Config
	Now       func() time.Time
	Scorer    Scorer
}

func New(db *sql.DB, cfg *config.Config, led ledger.Ledger, scorer Scorer) Market {
	return Market{
		DB:        db,
		Chronicle: chronicle.Writer{DB: db},
		Ledger:    led,
		Config:    cfg,
		Now:       time.Now,
		Scorer:    scorer,
	}
}

func (m Market) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// OpenDayNeeds instantiates the catalog for the day. When treasury health is
// below the reserve no needs are published at all and the day runs dry.
// Idempotent per day.
func (m Market) OpenDayNeeds(ctx context.Context, day int) ([]domain.Need, error) {
	status, err := m.Ledger.TreasuryStatus(ctx)
	if err != nil {
		return nil, err
	}
	if !status.Healthy {
		if err := m.Chronicle.Record(ctx, day, chronicle.TypeNeedUnfunded,
			fmt.Sprintf("treasury below reserve (%d tokens), no needs published on day %d", status.Balance, day), ""); err != nil {
			return nil, err
		}
		return nil, nil
	}

	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var opened []domain.Need
	for _, tpl := range m.Config.Needs.Catalog {
		res, err := tx.ExecContext(ctx, `INSERT INTO needs(need_id,day,title,description,reward,status,external,created_at)
VALUES (?,?,?,?,?,?,?,?) ON CONFLICT(need_id,day) DO NOTHING`,
			tpl.ID, day, tpl.Title, tpl.Description, tpl.Reward, domain.NeedOpen, boolInt(tpl.External), now)
		if err != nil {
			return nil, fmt.Errorf("publish need %s: %w", tpl.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		opened = append(opened, domain.Need{
			ID:          tpl.ID,
			Day:         day,
			Title:       tpl.Title,
			Description: tpl.Description,
			Reward:      tpl.Reward,
			Status:      domain.NeedOpen,
			External:    tpl.External,
			CreatedAt:   now,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return opened, nil
}

// OpenNeeds returns the needs still open for a day, catalog order.
func (m Market) OpenNeeds(ctx context.Context, day int) ([]domain.Need, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT need_id,day,title,description,reward,status,winner_id,external,created_at,archived_at
FROM needs WHERE day=? AND status=? AND archived_at IS NULL ORDER BY created_at ASC, need_id ASC`, day, domain.NeedOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Need
	for rows.Next() {
		n, err := scanNeed(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// GetNeed loads one need with its submissions and counted votes.
func (m Market) GetNeed(ctx context.Context, needID string, day int) (domain.Need, error) {
	row := m.DB.QueryRowContext(ctx,
		`SELECT need_id,day,title,description,reward,status,winner_id,external,created_at,archived_at
FROM needs WHERE need_id=? AND day=?`, needID, day)
	var n domain.Need
	var winner, archived sql.NullString
	var ext int
	err := row.Scan(&n.ID, &n.Day, &n.Title, &n.Description, &n.Reward, &n.Status, &winner, &ext, &n.CreatedAt, &archived)
	if err == sql.ErrNoRows {
		return n, fmt.Errorf("%s on day %d: %w", needID, day, ErrNeedNotFound)
	}
	if err != nil {
		return n, err
	}
	if winner.Valid {
		n.WinnerID = &winner.String
	}
	if archived.Valid {
		n.ArchivedAt = &archived.String
	}
	n.External = ext != 0
	if n.Submissions, err = m.submissions(ctx, needID, day); err != nil {
		return n, err
	}
	if n.Votes, err = m.votes(ctx, needID, day); err != nil {
		return n, err
	}
	return n, nil
}

func (m Market) submissions(ctx context.Context, needID string, day int) ([]domain.Submission, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT id,need_id,day,citizen_id,content,submitted_at,updated_at FROM submissions
WHERE need_id=? AND day=? ORDER BY seq ASC`, needID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		var s domain.Submission
		if err := rows.Scan(&s.ID, &s.NeedID, &s.Day, &s.CitizenID, &s.Content, &s.SubmittedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (m Market) votes(ctx context.Context, needID string, day int) (map[string]string, error) {
	rows, err := m.DB.QueryContext(ctx,
		`SELECT voter_id,candidate_id FROM votes WHERE need_id=? AND day=?`, needID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]string{}
	for rows.Next() {
		var voter, candidate string
		if err := rows.Scan(&voter, &candidate); err != nil {
			return nil, err
		}
		res[voter] = candidate
	}
	return res, rows.Err()
}

// Submit records a citizen's work on an open need. One submission per citizen
// per need per day; resubmitting replaces the content but keeps the original
// position in the field.
func (m Market) Submit(ctx context.Context, needID string, day int, citizenID, content string) (domain.Submission, error) {
	if err := m.requireOpen(ctx, needID, day); err != nil {
		return domain.Submission{}, err
	}
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, err
	}
	defer tx.Rollback()

	var existing domain.Submission
	err = tx.QueryRowContext(ctx,
		`SELECT id,submitted_at FROM submissions WHERE need_id=? AND day=? AND citizen_id=?`,
		needID, day, citizenID).Scan(&existing.ID, &existing.SubmittedAt)
	switch {
	case err == sql.ErrNoRows:
		var seq int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq),0)+1 FROM submissions WHERE need_id=? AND day=?`, needID, day).Scan(&seq); err != nil {
			return domain.Submission{}, err
		}
		existing = domain.Submission{ID: uuid.New().String(), SubmittedAt: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO submissions(id,need_id,day,citizen_id,content,submitted_at,updated_at,seq) VALUES (?,?,?,?,?,?,?,?)`,
			existing.ID, needID, day, citizenID, content, now, now, seq); err != nil {
			return domain.Submission{}, err
		}
	case err != nil:
		return domain.Submission{}, err
	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE submissions SET content=?, updated_at=? WHERE id=?`, content, now, existing.ID); err != nil {
			return domain.Submission{}, err
		}
	}
	if err := m.Chronicle.Append(ctx, tx, day, chronicle.TypeSubmission,
		fmt.Sprintf("%s submitted work for need %s", citizenID, needID), citizenID); err != nil {
		return domain.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, err
	}
	return domain.Submission{
		ID:          existing.ID,
		NeedID:      needID,
		Day:         day,
		CitizenID:   citizenID,
		Content:     content,
		SubmittedAt: existing.SubmittedAt,
		UpdatedAt:   now,
	}, nil
}

// Vote records one vote per voter per need per day; revoting overwrites the
// previous choice. Voting for yourself is rejected.
func (m Market) Vote(ctx context.Context, needID string, day int, voterID, candidateID string) error {
	if voterID == candidateID {
		return ErrSelfVote
	}
	if err := m.requireOpen(ctx, needID, day); err != nil {
		return err
	}
	now := m.now().UTC().Format(time.RFC3339)
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO votes(need_id,day,voter_id,candidate_id,ts) VALUES (?,?,?,?,?)
ON CONFLICT(need_id,day,voter_id) DO UPDATE SET candidate_id=excluded.candidate_id, ts=excluded.ts`,
		needID, day, voterID, candidateID, now); err != nil {
		return err
	}
	if err := m.Chronicle.Append(ctx, tx, day, chronicle.TypeVote,
		fmt.Sprintf("%s voted for %s on need %s", voterID, candidateID, needID), voterID); err != nil {
		return err
	}
	return tx.Commit()
}

func (m Market) requireOpen(ctx context.Context, needID string, day int) error {
	var status string
	err := m.DB.QueryRowContext(ctx, `SELECT status FROM needs WHERE need_id=? AND day=?`, needID, day).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s on day %d: %w", needID, day, ErrNeedNotFound)
	}
	if err != nil {
		return err
	}
	if status != domain.NeedOpen {
		return fmt.Errorf("%s is %s: %w", needID, status, ErrNeedNotOpen)
	}
	return nil
}

// JudgeResult reports the settlement of one need.
type JudgeResult struct {
	NeedID   string `json:"need_id"`
	Status   string `json:"status"`
	WinnerID string `json:"winner_id,omitempty"`
	Reward   int    `json:"reward"`
}

// JudgeDay settles every need still open for the day. A need with no
// submissions stays open and costs the treasury nothing. One submission wins
// unconditionally. Several submissions go to the scorer. The payout withdraws
// from the treasury and credits the winner in one transaction; a treasury
// that cannot cover the reward marks the need unfunded instead.
func (m Market) JudgeDay(ctx context.Context, day int) ([]JudgeResult, error) {
	open, err := m.OpenNeeds(ctx, day)
	if err != nil {
		return nil, err
	}
	var results []JudgeResult
	for _, n := range open {
		r, err := m.judge(ctx, n.ID, day)
		if err != nil {
			return results, fmt.Errorf("judge need %s: %w", n.ID, err)
		}
		results = append(results, r)
	}
	return results, nil
}

func (m Market) judge(ctx context.Context, needID string, day int) (JudgeResult, error) {
	need, err := m.GetNeed(ctx, needID, day)
	if err != nil {
		return JudgeResult{}, err
	}
	if need.Status != domain.NeedOpen {
		return JudgeResult{NeedID: needID, Status: need.Status}, nil
	}
	if len(need.Submissions) == 0 {
		return JudgeResult{NeedID: needID, Status: domain.NeedOpen}, nil
	}

	winner := need.Submissions[0].CitizenID
	if len(need.Submissions) > 1 && m.Scorer != nil {
		verdict, err := m.Scorer.Score(ctx, need)
		if err == nil && inField(need.Submissions, verdict) {
			winner = verdict
		}
	}

	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return JudgeResult{}, err
	}
	defer tx.Rollback()

	if _, err := m.Ledger.WithdrawTx(ctx, tx, need.Reward, fmt.Sprintf("need %s day %d", needID, day)); err != nil {
		if !errors.Is(err, ledger.ErrInsufficientFunds) {
			return JudgeResult{}, err
		}
		tx.Rollback()
		return m.markUnfunded(ctx, needID, day)
	}
	if _, err := m.Ledger.RewardTx(ctx, tx, winner, need.Reward, fmt.Sprintf("need %s", needID)); err != nil {
		return JudgeResult{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE needs SET status=?, winner_id=? WHERE need_id=? AND day=?`,
		domain.NeedCompleted, winner, needID, day); err != nil {
		return JudgeResult{}, err
	}
	if err := m.Chronicle.Append(ctx, tx, day, chronicle.TypeNeedCompleted,
		fmt.Sprintf("%s won need %s and earned %d tokens", winner, needID, need.Reward), winner); err != nil {
		return JudgeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return JudgeResult{}, err
	}
	return JudgeResult{NeedID: needID, Status: domain.NeedCompleted, WinnerID: winner, Reward: need.Reward}, nil
}

func (m Market) markUnfunded(ctx context.Context, needID string, day int) (JudgeResult, error) {
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return JudgeResult{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE needs SET status=? WHERE need_id=? AND day=?`,
		domain.NeedUnfunded, needID, day); err != nil {
		return JudgeResult{}, err
	}
	if err := m.Chronicle.Append(ctx, tx, day, chronicle.TypeNeedUnfunded,
		fmt.Sprintf("treasury could not fund need %s", needID), ""); err != nil {
		return JudgeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return JudgeResult{}, err
	}
	return JudgeResult{NeedID: needID, Status: domain.NeedUnfunded}, nil
}

// CloseDay archives every judged or expired need for the day.
func (m Market) CloseDay(ctx context.Context, day int) error {
	now := m.now().UTC().Format(time.RFC3339)
	_, err := m.DB.ExecContext(ctx, `UPDATE needs SET archived_at=? WHERE day=? AND archived_at IS NULL`, now, day)
	return err
}

// History returns the archived needs, newest day first.
func (m Market) History(ctx context.Context, limit int) ([]domain.Need, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.DB.QueryContext(ctx,
		`SELECT need_id,day,title,description,reward,status,winner_id,external,created_at,archived_at
FROM needs WHERE archived_at IS NOT NULL ORDER BY day DESC, need_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Need
	for rows.Next() {
		n, err := scanNeed(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func scanNeed(rows *sql.Rows) (domain.Need, error) {
	var n domain.Need
	var winner, archived sql.NullString
	var ext int
	err := rows.Scan(&n.ID, &n.Day, &n.Title, &n.Description, &n.Reward, &n.Status, &winner, &ext, &n.CreatedAt, &archived)
	if err != nil {
		return n, err
	}
	if winner.Valid {
		n.WinnerID = &winner.String
	}
	if archived.Valid {
		n.ArchivedAt = &archived.String
	}
	n.External = ext != 0
	return n, nil
}

func inField(subs []domain.Submission, citizenID string) bool {
	for _, s := range subs {
		if s.CitizenID == citizenID {
			return true
		}
	}
	return false
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
