package agent_test

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"genesis/internal/agent"
	"genesis/internal/domain"
	"genesis/internal/intent"
)

func TestExtractIntentsFromFence(t *testing.T) {
	reply := "I will greet everyone and vote.\n" +
		"```json\n[{\"type\":\"speak\",\"content\":\"hello\"},{\"type\":\"vote\",\"need_id\":\"chronicle\",\"candidate\":\"C2\"}]\n```\n"
	intents := agent.ExtractIntents(reply)
	if len(intents) != 2 {
		t.Fatalf("extracted %d intents, want 2", len(intents))
	}
	if intents[0].Kind() != intent.KindSpeak || intents[1].Kind() != intent.KindVote {
		t.Fatalf("kinds = %s, %s", intents[0].Kind(), intents[1].Kind())
	}
}

func TestExtractIntentsSingleObjectFence(t *testing.T) {
	reply := "```json\n{\"type\":\"speak\",\"content\":\"just one\"}\n```"
	intents := agent.ExtractIntents(reply)
	if len(intents) != 1 || intents[0].Kind() != intent.KindSpeak {
		t.Fatalf("got %v", intents)
	}
}

func TestExtractIntentsBareArrayFallback(t *testing.T) {
	reply := `Here is my plan: [{"type":"speak","content":"no fence"}] done.`
	intents := agent.ExtractIntents(reply)
	if len(intents) != 1 {
		t.Fatalf("extracted %d intents, want 1", len(intents))
	}
}

func TestExtractIntentsProseOnly(t *testing.T) {
	if intents := agent.ExtractIntents("I thought about it and did nothing."); len(intents) != 0 {
		t.Fatalf("extracted %d intents from prose, want 0", len(intents))
	}
}

func TestExtractIntentsKeepsUnknown(t *testing.T) {
	reply := "```json\n[{\"type\":\"rob_treasury\"}]\n```"
	intents := agent.ExtractIntents(reply)
	if len(intents) != 1 {
		t.Fatalf("extracted %d intents, want 1", len(intents))
	}
	if _, ok := intents[0].(intent.Unknown); !ok {
		t.Fatalf("got %T, want Unknown", intents[0])
	}
}

func TestTallyScorerMostVotesWins(t *testing.T) {
	need := domain.Need{
		Submissions: []domain.Submission{
			{CitizenID: "C1"}, {CitizenID: "C2"}, {CitizenID: "C3"},
		},
		Votes: map[string]string{"C1": "C2", "C3": "C2", "C2": "C1"},
	}
	winner, err := agent.TallyScorer{}.Score(context.Background(), need)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if winner != "C2" {
		t.Fatalf("winner = %s, want C2", winner)
	}
}

func TestTallyScorerTieFallsToEarliestSubmitter(t *testing.T) {
	need := domain.Need{
		Submissions: []domain.Submission{
			{CitizenID: "C2"}, {CitizenID: "C1"},
		},
		Votes: map[string]string{"C3": "C1", "C4": "C2"},
	}
	winner, _ := agent.TallyScorer{}.Score(context.Background(), need)
	if winner != "C2" {
		t.Fatalf("winner = %s, want earliest submitter C2 on a tie", winner)
	}
}

func TestTallyScorerNoVotes(t *testing.T) {
	need := domain.Need{
		Submissions: []domain.Submission{{CitizenID: "C3"}, {CitizenID: "C1"}},
	}
	winner, _ := agent.TallyScorer{}.Score(context.Background(), need)
	if winner != "C3" {
		t.Fatalf("winner = %s, want first submitter C3", winner)
	}
}

func TestRenderMessageFirstRound(t *testing.T) {
	snap := domain.Snapshot{
		Day: 3, Round: 1, Rounds: 3,
		Self:     domain.SnapshotSelf{ID: "C1", Balance: 35, Status: "active", DaysToLive: 7},
		Treasury: domain.TreasuryStatus{Balance: 120, DaysLeft: 8, Healthy: true},
		OpenNeeds: []domain.Need{
			{ID: "chronicle", Title: "Chronicle", Reward: 8, Description: "Record the day"},
		},
		OtherCitizens: map[string]string{"C2": "active", "C3": "hibernating"},
		PlazaRecent:   []domain.PlazaMessage{{CitizenID: "C2", Content: "good morning"}},
	}
	msg := agent.RenderMessage(snap)
	for _, want := range []string{
		"Day 3, round 1/3",
		"35 tokens, 7 days to live",
		"[chronicle] Chronicle (reward 8 tokens",
		"C3: hibernating",
		"C2: good morning",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestRenderMessageTruncatesOnRuneBoundaries(t *testing.T) {
	// 9-byte prefix puts the clip cut points inside the two-byte é.
	long := "scarcity " + strings.Repeat("économie ", 40)
	snap := domain.Snapshot{
		Day: 3, Round: 1, Rounds: 3,
		Self:        domain.SnapshotSelf{ID: "C1", Balance: 35, Status: "active"},
		PlazaRecent: []domain.PlazaMessage{{CitizenID: "C2", Content: long}},
		OpenNeeds: []domain.Need{{
			ID: "chronicle", Title: "Chronicle",
			Submissions: []domain.Submission{{CitizenID: "C2", Content: long}},
		}},
	}
	for _, round := range []int{1, 2} {
		snap.Round = round
		msg := agent.RenderMessage(snap)
		if !utf8.ValidString(msg) {
			t.Fatalf("round %d briefing contains invalid UTF-8:\n%s", round, msg)
		}
	}
}

func TestRenderMessageLaterRoundShowsSubmissions(t *testing.T) {
	snap := domain.Snapshot{
		Day: 3, Round: 2, Rounds: 3,
		Self: domain.SnapshotSelf{ID: "C1", Balance: 35},
		OpenNeeds: []domain.Need{
			{
				ID: "chronicle", Title: "Chronicle",
				Submissions: []domain.Submission{{CitizenID: "C2", Content: "the record"}},
				Votes:       map[string]string{"C3": "C2"},
			},
		},
	}
	msg := agent.RenderMessage(snap)
	if !strings.Contains(msg, "C2 (1 votes): the record") {
		t.Fatalf("later round should list submissions with vote counts:\n%s", msg)
	}
	if !strings.Contains(msg, "Reply PASS") {
		t.Fatalf("later round should offer PASS:\n%s", msg)
	}
}
