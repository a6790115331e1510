// Package world drives the simulation: the day and round scheduler, the
// snapshot each citizen sees, and the settlement that closes a day.
package world

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"genesis/internal/agent"
	"genesis/internal/chronicle"
	"genesis/internal/config"
	"genesis/internal/domain"
	"genesis/internal/external"
	"genesis/internal/ledger"
	"genesis/internal/market"
	"genesis/internal/plaza"
	"genesis/internal/publish"
)

var (
	ErrWorldNotInitialized = errors.New("world not initialized")
	ErrWorldExtinct        = errors.New("world is extinct")
)

// World wires the simulation together.
type World struct {
	DB        *sql.DB
	Config    *config.Config
	Ledger    ledger.Ledger
	Market    market.Market
	Plaza     plaza.Plaza
	External  external.Registry
	Chronicle chronicle.Writer
	Processor *Processor
	Decider   agent.Decider
	Publisher publish.Publisher
	Now       func() time.Time
}

// New assembles a World over one database with a shared clock.
func New(db *sql.DB, cfg *config.Config, decider agent.Decider, pub publish.Publisher) *World {
	now := time.Now
	chron := chronicle.Writer{DB: db, Now: now}
	led := ledger.Ledger{DB: db, Chronicle: chron, Config: cfg, Now: now}
	mkt := market.Market{DB: db, Chronicle: chron, Ledger: led, Config: cfg, Now: now, Scorer: agent.TallyScorer{}}
	plz := plaza.Plaza{DB: db, Now: now}
	ext := external.Registry{DB: db, Chronicle: chron, Ledger: led, Config: cfg, Now: now}
	return &World{
		DB:        db,
		Config:    cfg,
		Ledger:    led,
		Market:    mkt,
		Plaza:     plz,
		External:  ext,
		Chronicle: chron,
		Processor: &Processor{Ledger: led, Market: mkt, Plaza: plz, External: ext, Chronicle: chron},
		Decider:   decider,
		Publisher: pub,
		Now:       now,
	}
}

func (w *World) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Init performs genesis: world row at day 1, seeded treasury, one citizen
// per configured id with the starting balance. Running it twice is harmless.
func (w *World) Init(ctx context.Context) (domain.World, error) {
	if existing, err := w.Current(ctx); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrWorldNotInitialized) {
		return domain.World{}, err
	}

	now := w.now().UTC().Format(time.RFC3339)
	if _, err := w.DB.ExecContext(ctx, `INSERT INTO world(id,day,status,created_at) VALUES (1,1,?,?)`,
		domain.WorldActive, now); err != nil {
		return domain.World{}, err
	}
	if err := w.Ledger.InitTreasury(ctx); err != nil {
		return domain.World{}, err
	}
	for _, id := range w.Config.World.Citizens {
		if _, err := w.Ledger.Register(ctx, id, 0); err != nil {
			return domain.World{}, fmt.Errorf("register %s: %w", id, err)
		}
	}
	if err := w.Chronicle.Record(ctx, 0, chronicle.TypeGenesis,
		fmt.Sprintf("World created. %d citizens, %d token seed fund.",
			len(w.Config.World.Citizens), w.Config.Economy.TreasurySeed), ""); err != nil {
		return domain.World{}, err
	}
	return domain.World{Day: 1, Status: domain.WorldActive, CreatedAt: now}, nil
}

// Current returns the world row.
func (w *World) Current(ctx context.Context) (domain.World, error) {
	var wr domain.World
	err := w.DB.QueryRowContext(ctx, `SELECT day,status,created_at FROM world WHERE id=1`).
		Scan(&wr.Day, &wr.Status, &wr.CreatedAt)
	if err == sql.ErrNoRows {
		return wr, ErrWorldNotInitialized
	}
	return wr, err
}

// Snapshot builds the read-only view a citizen's agent receives for a round.
func (w *World) Snapshot(ctx context.Context, citizenID string, day, round int) (domain.Snapshot, error) {
	self, err := w.Ledger.Get(ctx, citizenID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	treasury, err := w.Ledger.TreasuryStatus(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	open, err := w.Market.OpenNeeds(ctx, day)
	if err != nil {
		return domain.Snapshot{}, err
	}
	for i := range open {
		full, err := w.Market.GetNeed(ctx, open[i].ID, day)
		if err != nil {
			return domain.Snapshot{}, err
		}
		open[i] = full
	}
	plazaLimit := w.Config.Agents.PlazaRecent
	recent, err := w.Plaza.Recent(ctx, plazaLimit)
	if err != nil {
		return domain.Snapshot{}, err
	}
	citizens, err := w.Ledger.List(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}
	others := map[string]string{}
	for _, c := range citizens {
		if c.ID != citizenID {
			others[c.ID] = c.Status
		}
	}
	var yesterday []domain.ChronicleEntry
	if day > 1 {
		events, err := w.Chronicle.Day(ctx, day-1)
		if err != nil {
			return domain.Snapshot{}, err
		}
		limit := w.Config.Agents.YesterdayLimit
		if limit > 0 && len(events) > limit {
			events = events[len(events)-limit:]
		}
		yesterday = events
	}

	daysToLive := 0
	if w.Config.World.SurvivalCost > 0 {
		daysToLive = self.Balance / w.Config.World.SurvivalCost
	}
	return domain.Snapshot{
		Day:    day,
		Round:  round,
		Rounds: w.Config.World.RoundsPerDay,
		Self: domain.SnapshotSelf{
			ID:         self.ID,
			Balance:    self.Balance,
			Status:     self.Status,
			DaysToLive: daysToLive,
		},
		Treasury:        treasury,
		OpenNeeds:       open,
		PlazaRecent:     recent,
		OtherCitizens:   others,
		YesterdayEvents: yesterday,
	}, nil
}

// RunRound gives every active citizen one turn. Deciders run concurrently
// under a bounded pool; the resulting intents apply serially through the
// processor. A failed or timed out decider costs the citizen the turn, with
// the failure chronicled.
func (w *World) RunRound(ctx context.Context, day, round int) error {
	citizens, err := w.Ledger.List(ctx)
	if err != nil {
		return err
	}

	workers := w.Config.Agents.Workers
	if workers < 1 {
		workers = 1
	}
	timeout := time.Duration(w.Config.Agents.DecideTimeout) * time.Second

	sem := make(chan struct{}, workers)
	done := make(chan struct{})
	turns := 0
	for _, c := range citizens {
		if c.Status != domain.CitizenActive {
			continue
		}
		turns++
		go func(id string) {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()
			w.runTurn(ctx, id, day, round, timeout)
		}(c.ID)
	}
	for i := 0; i < turns; i++ {
		<-done
	}
	return ctx.Err()
}

func (w *World) runTurn(ctx context.Context, citizenID string, day, round int, timeout time.Duration) {
	snap, err := w.Snapshot(ctx, citizenID, day, round)
	if err != nil {
		w.Chronicle.Record(ctx, day, chronicle.TypeCollabFailure,
			fmt.Sprintf("snapshot for %s failed: %v", citizenID, err), citizenID)
		return
	}

	decideCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		decideCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	intents, err := w.Decider.Decide(decideCtx, snap)
	if err != nil {
		w.Chronicle.Record(ctx, day, chronicle.TypeCollabFailure,
			fmt.Sprintf("agent for %s failed, turn skipped: %v", citizenID, err), citizenID)
		return
	}
	w.Processor.ApplyAll(ctx, citizenID, day, intents)
}

// RunDay runs one full day: publish needs, run the rounds, judge, publish
// winning external work, charge survival, archive, advance the calendar.
func (w *World) RunDay(ctx context.Context) (domain.DaySummary, error) {
	wr, err := w.Current(ctx)
	if err != nil {
		return domain.DaySummary{}, err
	}
	if wr.Status == domain.WorldExtinct {
		return domain.DaySummary{}, ErrWorldExtinct
	}
	day := wr.Day

	if _, err := w.Market.OpenDayNeeds(ctx, day); err != nil {
		return domain.DaySummary{}, err
	}
	for round := 1; round <= w.Config.World.RoundsPerDay; round++ {
		if err := w.RunRound(ctx, day, round); err != nil {
			return domain.DaySummary{}, err
		}
	}

	results, err := w.Market.JudgeDay(ctx, day)
	if err != nil {
		return domain.DaySummary{}, err
	}
	rewards := map[string]int{}
	for _, r := range results {
		if r.Status == domain.NeedCompleted {
			rewards[r.WinnerID] += r.Reward
		}
	}
	w.publishWinners(ctx, day, results)

	survival, err := w.Ledger.DeductSurvivalCost(ctx, day)
	if err != nil {
		return domain.DaySummary{}, err
	}
	if err := w.Market.CloseDay(ctx, day); err != nil {
		return domain.DaySummary{}, err
	}
	treasury, err := w.Ledger.TreasuryStatus(ctx)
	if err != nil {
		return domain.DaySummary{}, err
	}
	summary := domain.DaySummary{Day: day, Treasury: treasury, Survival: survival, Rewards: rewards}

	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DaySummary{}, err
	}
	defer tx.Rollback()
	if err := w.Chronicle.AppendSummary(ctx, tx, day, summary); err != nil {
		return domain.DaySummary{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE world SET day=day+1 WHERE id=1`); err != nil {
		return domain.DaySummary{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DaySummary{}, err
	}

	active, err := w.Ledger.ActiveCount(ctx)
	if err != nil {
		return summary, err
	}
	if active == 0 {
		if _, err := w.DB.ExecContext(ctx, `UPDATE world SET status=? WHERE id=1`, domain.WorldExtinct); err != nil {
			return summary, err
		}
		if err := w.Chronicle.Record(ctx, day, chronicle.TypeExtinction,
			"All citizens are hibernating. The world has gone quiet.", ""); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// publishWinners pushes the winning work of external needs out through the
// publisher. Publishing failures do not fail the day; they are chronicled.
func (w *World) publishWinners(ctx context.Context, day int, results []market.JudgeResult) {
	if w.Publisher == nil {
		return
	}
	for _, r := range results {
		if r.Status != domain.NeedCompleted {
			continue
		}
		need, err := w.Market.GetNeed(ctx, r.NeedID, day)
		if err != nil || !need.External {
			continue
		}
		content := ""
		for _, s := range need.Submissions {
			if s.CitizenID == r.WinnerID {
				content = s.Content
				break
			}
		}
		if content == "" {
			continue
		}
		var page string
		if need.ID == "daily_intel" {
			page, err = w.Publisher.PublishDaily(ctx, day, content, r.WinnerID)
		} else {
			page, err = w.Publisher.PublishResearch(ctx, day, need.Title, content, r.WinnerID)
		}
		if err != nil {
			w.Chronicle.Record(ctx, day, chronicle.TypeCollabFailure,
				fmt.Sprintf("publishing %s failed: %v", need.ID, err), r.WinnerID)
			continue
		}
		w.Chronicle.Record(ctx, day, chronicle.TypePublication,
			fmt.Sprintf("%s's work on %s published at %s", r.WinnerID, need.ID, page), r.WinnerID)
	}
}

// RunDays runs up to n days, stopping early on extinction.
func (w *World) RunDays(ctx context.Context, n int) ([]domain.DaySummary, error) {
	var summaries []domain.DaySummary
	for i := 0; i < n; i++ {
		summary, err := w.RunDay(ctx)
		if errors.Is(err, ErrWorldExtinct) {
			return summaries, nil
		}
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
		wr, err := w.Current(ctx)
		if err != nil {
			return summaries, err
		}
		if wr.Status == domain.WorldExtinct {
			break
		}
	}
	return summaries, nil
}

// Daemon runs one day per interval until the context ends or the world does.
func (w *World) Daemon(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunDay(ctx); err != nil {
			if errors.Is(err, ErrWorldExtinct) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
