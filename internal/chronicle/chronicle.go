package chronicle

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"genesis/internal/domain"
)

// Event types recorded in the chronicle.
const (
	TypeGenesis        = "genesis"
	TypeBirth          = "birth"
	TypeSubmission     = "submission"
	TypeVote           = "vote"
	TypeTransaction    = "transaction"
	TypeOutput         = "output"
	TypeNeedCompleted  = "need_completed"
	TypeNeedUnfunded   = "need_unfunded"
	TypeHibernation    = "hibernation"
	TypeUnknownIntent  = "unknown_intent"
	TypeIntentRejected = "intent_rejected"
	TypeCollabFailure  = "collaborator_failure"
	TypeDaySummary     = "day_summary"
	TypeExtinction     = "extinction"
	TypePublication    = "publication"
	TypeIncome         = "income"
)

// Writer appends entries to the chronicle, inside the caller's transaction
// when one is given so the record and the mutation commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append records a single event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, day int, evtType, description, citizenID string) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO chronicle(day,type,description,citizen_id,payload_json,ts) VALUES (?,?,?,?,NULL,?)`,
		day, evtType, description, nullable(citizenID), ts)
	return err
}

// Record is Append without a surrounding transaction.
func (w Writer) Record(ctx context.Context, day int, evtType, description, citizenID string) error {
	ts := w.now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO chronicle(day,type,description,citizen_id,payload_json,ts) VALUES (?,?,?,?,NULL,?)`,
		day, evtType, description, nullable(citizenID), ts)
	return err
}

// AppendSummary records a structured day summary inside tx.
func (w Writer) AppendSummary(ctx context.Context, tx *sql.Tx, day int, summary domain.DaySummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal day summary: %w", err)
	}
	ts := w.now().UTC().Format(time.RFC3339)
	_, err = tx.ExecContext(ctx, `INSERT INTO chronicle(day,type,description,citizen_id,payload_json,ts) VALUES (?,?,?,NULL,?,?)`,
		day, TypeDaySummary, fmt.Sprintf("day %d settled", day), string(data), ts)
	return err
}

// Day returns all entries recorded for a day, in insertion order.
func (w Writer) Day(ctx context.Context, day int) ([]domain.ChronicleEntry, error) {
	return w.query(ctx, `SELECT id,day,type,description,citizen_id,payload_json,ts FROM chronicle WHERE day=? ORDER BY id ASC`, day)
}

// History returns the full chronicle in insertion order.
func (w Writer) History(ctx context.Context) ([]domain.ChronicleEntry, error) {
	return w.query(ctx, `SELECT id,day,type,description,citizen_id,payload_json,ts FROM chronicle ORDER BY id ASC`)
}

// Tail returns the latest n entries, newest first.
func (w Writer) Tail(ctx context.Context, n int) ([]domain.ChronicleEntry, error) {
	if n <= 0 {
		n = 20
	}
	return w.query(ctx, `SELECT id,day,type,description,citizen_id,payload_json,ts FROM chronicle ORDER BY id DESC LIMIT ?`, n)
}

func (w Writer) query(ctx context.Context, q string, args ...any) ([]domain.ChronicleEntry, error) {
	rows, err := w.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChronicleEntry
	for rows.Next() {
		var e domain.ChronicleEntry
		var citizenID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Day, &e.Type, &e.Description, &citizenID, &payload, &e.TS); err != nil {
			return nil, err
		}
		if citizenID.Valid {
			e.CitizenID = citizenID.String
		}
		if payload.Valid {
			e.PayloadJSON = payload.String
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
