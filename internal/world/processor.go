package world

import (
	"context"
	"fmt"
	"sync"

	"genesis/internal/chronicle"
	"genesis/internal/external"
	"genesis/internal/intent"
	"genesis/internal/ledger"
	"genesis/internal/market"
	"genesis/internal/plaza"
)

// Processor applies decoded intents to the world. Applies are serialized:
// deciders may think in parallel but the world mutates one intent at a time.
type Processor struct {
	Ledger    ledger.Ledger
	Market    market.Market
	Plaza     plaza.Plaza
	External  external.Registry
	Chronicle chronicle.Writer

	mu sync.Mutex
}

// Apply executes one intent on behalf of a citizen. Unknown intents are
// chronicled as anomalies and reported back as intent.ErrUnknownKind;
// rejected intents are chronicled too so no failure leaves the audit trail.
func (p *Processor) Apply(ctx context.Context, citizenID string, day int, it intent.Intent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := it.(intent.Unknown); ok {
		if err := p.Chronicle.Record(ctx, day, chronicle.TypeUnknownIntent,
			fmt.Sprintf("%s attempted unknown action %q", citizenID, v.Type), citizenID); err != nil {
			return err
		}
		return fmt.Errorf("%q: %w", v.Type, intent.ErrUnknownKind)
	}

	err := p.dispatch(ctx, citizenID, day, it)
	if err != nil {
		if rerr := p.Chronicle.Record(ctx, day, chronicle.TypeIntentRejected,
			fmt.Sprintf("%s's %s intent rejected: %v", citizenID, it.Kind(), err), citizenID); rerr != nil {
			return rerr
		}
	}
	return err
}

func (p *Processor) dispatch(ctx context.Context, citizenID string, day int, it intent.Intent) error {
	switch v := it.(type) {
	case intent.Speak:
		_, err := p.Plaza.Speak(ctx, citizenID, v.Content, day)
		return err
	case intent.Submit:
		_, err := p.Market.Submit(ctx, v.NeedID, day, citizenID, v.Content)
		return err
	case intent.Vote:
		return p.Market.Vote(ctx, v.NeedID, day, citizenID, v.Candidate)
	case intent.Pay:
		_, err := p.Ledger.Pay(ctx, citizenID, v.To, v.Amount, v.Reason, day)
		return err
	case intent.RegisterOutput:
		_, err := p.External.RegisterOutput(ctx, citizenID, v.OutputType, v.Title, v.ContentPath, day)
		return err
	default:
		return fmt.Errorf("%q: %w", it.Kind(), intent.ErrUnknownKind)
	}
}

// ApplyAll runs a batch of intents in order, continuing past individual
// failures. It returns how many intents took effect.
func (p *Processor) ApplyAll(ctx context.Context, citizenID string, day int, intents []intent.Intent) int {
	applied := 0
	for _, it := range intents {
		if err := p.Apply(ctx, citizenID, day, it); err == nil {
			applied++
		}
	}
	return applied
}
