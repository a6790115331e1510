package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"genesis/internal/domain"
	"genesis/internal/intent"
)

// ExecDecider shells out to an external agent CLI. The command template may
// reference {citizen} and {session}; the rendered world snapshot goes to the
// agent on stdin and the reply comes back on stdout.
//
// The reply protocol: intents arrive inside ```json fenced blocks, either a
// single object or an array. A reply starting with PASS, or one carrying no
// parseable block, means the citizen sits the round out.
type ExecDecider struct {
	Command       []string
	SessionPrefix string
	Timeout       time.Duration
}

func (d ExecDecider) Decide(ctx context.Context, snap domain.Snapshot) ([]intent.Intent, error) {
	if len(d.Command) == 0 {
		return nil, fmt.Errorf("no agent command configured")
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	args := make([]string, len(d.Command))
	session := d.SessionPrefix + "-" + snap.Self.ID
	for i, a := range d.Command {
		a = strings.ReplaceAll(a, "{citizen}", snap.Self.ID)
		a = strings.ReplaceAll(a, "{session}", session)
		args[i] = a
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = strings.NewReader(RenderMessage(snap))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent for %s timed out: %w", snap.Self.ID, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, fmt.Errorf("agent for %s failed: %v: %s", snap.Self.ID, err, msg)
	}

	reply := stdout.String()
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(reply)), "PASS") {
		return nil, nil
	}
	return ExtractIntents(reply), nil
}

var (
	fenceRe    = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	bareListRe = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)
)

// ExtractIntents pulls intents out of an agent reply. Fenced ```json blocks
// are tried first, then bare JSON arrays. Anything that fails to parse is
// skipped; messages of an unrecognized kind come back as intent.Unknown.
func ExtractIntents(reply string) []intent.Intent {
	var raws []json.RawMessage
	for _, m := range fenceRe.FindAllStringSubmatch(reply, -1) {
		raws = append(raws, parseBlock(m[1])...)
	}
	if len(raws) == 0 {
		for _, m := range bareListRe.FindAllString(reply, -1) {
			raws = append(raws, parseBlock(m)...)
		}
	}
	var out []intent.Intent
	for _, raw := range raws {
		it, _ := intent.Decode(raw)
		out = append(out, it)
	}
	return out
}

func parseBlock(block string) []json.RawMessage {
	trimmed := strings.TrimSpace(block)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &list); err != nil {
			return nil
		}
		return list
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil
	}
	return []json.RawMessage{json.RawMessage(trimmed)}
}

// RenderMessage turns a snapshot into the briefing an agent receives. The
// first round of a day carries the full world state; later rounds focus on
// submissions and voting.
func RenderMessage(snap domain.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== Day %d, round %d/%d ==\n\n", snap.Day, snap.Round, snap.Rounds)
	fmt.Fprintf(&b, "Your status: %d tokens, %d days to live.\n", snap.Self.Balance, snap.Self.DaysToLive)

	if snap.Round == 1 {
		fmt.Fprintf(&b, "World treasury: %d tokens (about %.1f days of runway)\n", snap.Treasury.Balance, snap.Treasury.DaysLeft)
		if !snap.Treasury.Healthy {
			b.WriteString("!! Treasury is running dry.\n")
		}
		b.WriteString("\n== Board (world needs) ==\n")
		if len(snap.OpenNeeds) == 0 {
			b.WriteString("No open needs today.\n")
		}
		for _, n := range snap.OpenNeeds {
			fmt.Fprintf(&b, "- [%s] %s (reward %d tokens, %d submissions so far)\n", n.ID, n.Title, n.Reward, len(n.Submissions))
			fmt.Fprintf(&b, "  Details: %s\n", n.Description)
		}
	} else {
		renderSubmissions(&b, snap.OpenNeeds)
	}

	b.WriteString("\n== Other citizens ==\n")
	if len(snap.OtherCitizens) == 0 {
		b.WriteString("You are alone.\n")
	}
	for _, id := range sortedKeys(snap.OtherCitizens) {
		fmt.Fprintf(&b, "- %s: %s\n", id, snap.OtherCitizens[id])
	}

	if len(snap.YesterdayEvents) > 0 {
		b.WriteString("\n== What happened yesterday ==\n")
		for _, e := range snap.YesterdayEvents {
			fmt.Fprintf(&b, "- %s\n", e.Description)
		}
	}

	b.WriteString("\n== Plaza, latest messages ==\n")
	if len(snap.PlazaRecent) == 0 {
		b.WriteString("Nobody has spoken yet.\n")
	}
	for _, m := range snap.PlazaRecent {
		fmt.Fprintf(&b, "- %s: %s\n", m.CitizenID, clip(m.Content, 120))
	}

	b.WriteString("\n== Act ==\n")
	if snap.Round == 1 {
		b.WriteString("Decide what to do today. Earning tokens requires a submit intent on an open need; writing files elsewhere does not count.\n")
		b.WriteString("You can also speak on the plaza or pay other citizens.\n")
	} else {
		b.WriteString("You can add or improve a submission, vote for the best work, respond on the plaza, or trade.\n")
		b.WriteString(`Voting matters: {"type": "vote", "need_id": "...", "candidate": "..."} backs the submission you rate highest.` + "\n")
		b.WriteString("Reply PASS if you have nothing to do this round.\n")
	}
	b.WriteString("Report your actions in a ```json fenced block when done.\n")
	return b.String()
}

func renderSubmissions(b *strings.Builder, needs []domain.Need) {
	hasSubs := false
	for _, n := range needs {
		if len(n.Submissions) > 0 {
			hasSubs = true
			break
		}
	}
	if !hasSubs {
		b.WriteString("\n== Today's submissions ==\nNobody has submitted yet.\n")
		return
	}
	b.WriteString("\n== Today's submissions (vote for the best) ==\n")
	for _, n := range needs {
		if len(n.Submissions) == 0 {
			fmt.Fprintf(b, "[%s] %s: no submissions\n", n.ID, n.Title)
			continue
		}
		fmt.Fprintf(b, "[%s] %s (%d submissions, %d votes):\n", n.ID, n.Title, len(n.Submissions), len(n.Votes))
		for _, s := range n.Submissions {
			votes := 0
			for _, candidate := range n.Votes {
				if candidate == s.CitizenID {
					votes++
				}
			}
			preview := strings.ReplaceAll(clip(s.Content, 300), "\n", " ")
			fmt.Fprintf(b, "  - %s (%d votes): %s\n", s.CitizenID, votes, preview)
		}
	}
}

// clip truncates to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
