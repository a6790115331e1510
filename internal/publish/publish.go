// Package publish writes winning work out as markdown pages. It is the
// world's interface to readers outside the simulation.
package publish

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Publisher pushes a piece of work to the outside world.
type Publisher interface {
	PublishDaily(ctx context.Context, day int, content, authorID string) (string, error)
	PublishResearch(ctx context.Context, day int, title, content, authorID string) (string, error)
}

// Markdown writes pages under OutputDir: blog/daily/ for the daily digest,
// blog/research/ for standalone pieces, plus a regenerated blog/index.md.
type Markdown struct {
	OutputDir string
	Now       func() time.Time
}

func NewMarkdown(outputDir string) Markdown {
	return Markdown{OutputDir: outputDir, Now: time.Now}
}

func (m Markdown) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// PublishDaily writes the day's digest page and refreshes the index.
// Returns the path of the written page, relative to OutputDir.
func (m Markdown) PublishDaily(_ context.Context, day int, content, authorID string) (string, error) {
	date := m.now().UTC().Format("2006-01-02")
	rel := filepath.Join("blog", "daily", fmt.Sprintf("%s-D%03d.md", date, day))

	var b strings.Builder
	fmt.Fprintf(&b, "# Daily intel, D%03d\n\n", day)
	fmt.Fprintf(&b, "Date: %s | Author: %s\n\n---\n\n", date, authorID)
	b.WriteString(content)
	b.WriteString("\n\n---\n\n*Researched, written and published by the citizens themselves.*\n")

	if err := m.write(rel, b.String()); err != nil {
		return "", err
	}
	return rel, m.updateIndex(day)
}

// PublishResearch writes a standalone research page and refreshes the index.
func (m Markdown) PublishResearch(_ context.Context, day int, title, content, authorID string) (string, error) {
	date := m.now().UTC().Format("2006-01-02")
	rel := filepath.Join("blog", "research", fmt.Sprintf("%s-%s.md", date, slug(title)))

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Date: %s | Author: %s | D%03d\n\n---\n\n", date, authorID, day)
	b.WriteString(content)
	b.WriteString("\n\n---\n\n*Researched, written and published by the citizens themselves.*\n")

	if err := m.write(rel, b.String()); err != nil {
		return "", err
	}
	return rel, m.updateIndex(day)
}

func (m Markdown) write(rel, content string) error {
	path := filepath.Join(m.OutputDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// updateIndex rebuilds blog/index.md from the pages on disk, newest first.
func (m Markdown) updateIndex(day int) error {
	daily, err := m.pages("daily")
	if err != nil {
		return err
	}
	research, err := m.pages("research")
	if err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("# Citizen publications\n")
	if len(daily) > 0 {
		b.WriteString("\n## Daily intel\n\n")
		for _, f := range clipList(daily, 10) {
			fmt.Fprintf(&b, "- [%s](./daily/%s)\n", strings.TrimSuffix(f, ".md"), f)
		}
	}
	if len(research) > 0 {
		b.WriteString("\n## Research\n\n")
		for _, f := range clipList(research, 10) {
			fmt.Fprintf(&b, "- [%s](./research/%s)\n", strings.TrimSuffix(f, ".md"), f)
		}
	}
	fmt.Fprintf(&b, "\n*Last updated: D%03d*\n", day)
	return m.write(filepath.Join("blog", "index.md"), b.String())
}

func (m Markdown) pages(sub string) ([]string, error) {
	dir := filepath.Join(m.OutputDir, "blog", sub)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			res = append(res, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(res)))
	return res, nil
}

func clipList(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func slug(title string) string {
	title = strings.ReplaceAll(title, "/", "-")
	title = strings.ReplaceAll(title, " ", "-")
	if len(title) > 50 {
		title = title[:50]
	}
	return title
}
