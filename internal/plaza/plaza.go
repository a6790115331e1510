package plaza

import (
	"context"
	"database/sql"
	"time"

	"genesis/internal/domain"
)

// Plaza is the shared message board. Messages are append only and visible to
// every citizen through the snapshot.
type Plaza struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Plaza {
	return Plaza{DB: db, Now: time.Now}
}

func (p Plaza) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Speak posts a message to the plaza.
func (p Plaza) Speak(ctx context.Context, citizenID, content string, day int) (domain.PlazaMessage, error) {
	ts := p.now().UTC().Format(time.RFC3339)
	res, err := p.DB.ExecContext(ctx, `INSERT INTO plaza(citizen_id,content,day,ts) VALUES (?,?,?,?)`,
		citizenID, content, day, ts)
	if err != nil {
		return domain.PlazaMessage{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.PlazaMessage{}, err
	}
	return domain.PlazaMessage{ID: id, CitizenID: citizenID, Content: content, Day: day, TS: ts}, nil
}

// Recent returns the latest messages in chronological order.
func (p Plaza) Recent(ctx context.Context, limit int) ([]domain.PlazaMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs, err := p.query(ctx,
		`SELECT id,citizen_id,content,day,ts FROM plaza ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DayMessages returns everything said on a given day, in order.
func (p Plaza) DayMessages(ctx context.Context, day int) ([]domain.PlazaMessage, error) {
	return p.query(ctx, `SELECT id,citizen_id,content,day,ts FROM plaza WHERE day=? ORDER BY id ASC`, day)
}

func (p Plaza) query(ctx context.Context, q string, args ...any) ([]domain.PlazaMessage, error) {
	rows, err := p.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PlazaMessage
	for rows.Next() {
		var m domain.PlazaMessage
		if err := rows.Scan(&m.ID, &m.CitizenID, &m.Content, &m.Day, &m.TS); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
