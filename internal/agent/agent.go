// Package agent holds the collaborator seams: the decider that turns a world
// snapshot into intents, and the scorer that judges contested needs.
package agent

import (
	"context"

	"genesis/internal/domain"
	"genesis/internal/intent"
)

// Decider produces a citizen's intents for one round from a read-only world
// snapshot. Implementations must honor ctx cancellation; a failed or timed
// out decision counts as an empty turn.
type Decider interface {
	Decide(ctx context.Context, snapshot domain.Snapshot) ([]intent.Intent, error)
}

// NullDecider always passes. Useful for dry runs and tests.
type NullDecider struct{}

func (NullDecider) Decide(context.Context, domain.Snapshot) ([]intent.Intent, error) {
	return nil, nil
}

// TallyScorer settles a contested need by counting the votes on record. The
// candidate with the most votes wins; ties and vote-less fields fall back to
// the earliest submitter.
type TallyScorer struct{}

func (TallyScorer) Score(_ context.Context, need domain.Need) (string, error) {
	if len(need.Submissions) == 0 {
		return "", nil
	}
	counts := map[string]int{}
	for _, candidate := range need.Votes {
		counts[candidate]++
	}
	winner := need.Submissions[0].CitizenID
	best := counts[winner]
	for _, s := range need.Submissions[1:] {
		if counts[s.CitizenID] > best {
			winner = s.CitizenID
			best = counts[s.CitizenID]
		}
	}
	return winner, nil
}
