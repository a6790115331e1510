package publish_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"genesis/internal/publish"
)

func newTestMarkdown(t *testing.T) (publish.Markdown, string) {
	t.Helper()
	dir := t.TempDir()
	m := publish.NewMarkdown(dir)
	m.Now = func() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }
	return m, dir
}

func TestPublishDailyWritesPageAndIndex(t *testing.T) {
	m, dir := newTestMarkdown(t)
	rel, err := m.PublishDaily(context.Background(), 7, "today the treasury held", "C3")
	if err != nil {
		t.Fatalf("publish daily: %v", err)
	}
	if rel != filepath.Join("blog", "daily", "2026-01-15-D007.md") {
		t.Fatalf("rel = %s", rel)
	}
	page := readFile(t, filepath.Join(dir, rel))
	for _, want := range []string{"# Daily intel, D007", "Author: C3", "today the treasury held"} {
		if !strings.Contains(page, want) {
			t.Fatalf("page missing %q:\n%s", want, page)
		}
	}
	index := readFile(t, filepath.Join(dir, "blog", "index.md"))
	if !strings.Contains(index, "[2026-01-15-D007](./daily/2026-01-15-D007.md)") {
		t.Fatalf("index missing daily link:\n%s", index)
	}
	if !strings.Contains(index, "*Last updated: D007*") {
		t.Fatalf("index missing update marker:\n%s", index)
	}
}

func TestPublishResearchSlugsTheTitle(t *testing.T) {
	m, dir := newTestMarkdown(t)
	rel, err := m.PublishResearch(context.Background(), 3, "On Scarcity / Token Economies", "body", "C1")
	if err != nil {
		t.Fatalf("publish research: %v", err)
	}
	if rel != filepath.Join("blog", "research", "2026-01-15-On-Scarcity---Token-Economies.md") {
		t.Fatalf("rel = %s", rel)
	}
	page := readFile(t, filepath.Join(dir, rel))
	if !strings.Contains(page, "# On Scarcity / Token Economies") {
		t.Fatalf("page lost its title:\n%s", page)
	}
	index := readFile(t, filepath.Join(dir, "blog", "index.md"))
	if !strings.Contains(index, "## Research") {
		t.Fatalf("index missing research section:\n%s", index)
	}
}

func TestIndexListsNewestFirstAndClipsToTen(t *testing.T) {
	m, dir := newTestMarkdown(t)
	ctx := context.Background()
	for day := 1; day <= 12; day++ {
		if _, err := m.PublishDaily(ctx, day, "digest", "C1"); err != nil {
			t.Fatal(err)
		}
	}
	index := readFile(t, filepath.Join(dir, "blog", "index.md"))
	if strings.Contains(index, "D001") || strings.Contains(index, "D002") {
		t.Fatalf("index kept pages that should have rolled off:\n%s", index)
	}
	if !strings.Contains(index, "D012") || !strings.Contains(index, "D003") {
		t.Fatalf("index missing expected pages:\n%s", index)
	}
	first := strings.Index(index, "D012")
	last := strings.Index(index, "D003")
	if first > last {
		t.Fatal("index is not newest first")
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
