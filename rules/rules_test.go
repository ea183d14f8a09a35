package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domsieve/livetree"
	"github.com/hazyhaar/domsieve/store"
)

func recv(t *testing.T, ch <-chan livetree.RuleSet) livetree.RuleSet {
	t.Helper()
	select {
	case rs, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return rs
	case <-time.After(5 * time.Second):
		t.Fatal("no rule set published")
	}
	return livetree.RuleSet{}
}

func TestHub_LatestWins(t *testing.T) {
	var h hub
	ctx, cancel := context.WithCancel(context.Background())
	ch := h.subscribe(ctx)

	h.publish(livetree.RuleSet{Keywords: []string{"a"}})
	h.publish(livetree.RuleSet{Keywords: []string{"b"}})

	if got := recv(t, ch); got.Keywords[0] != "b" {
		t.Errorf("got %v, want latest", got.Keywords)
	}
	cancel()
	for range ch {
	}
}

func TestStatic_Edits(t *testing.T) {
	ctx := context.Background()
	s := NewStatic(livetree.RuleSet{Keywords: []string{" spam ", "spam", "eggs"}})
	sub := s.Subscribe(ctx)

	rs, _ := s.Get(ctx)
	if diff := cmp.Diff([]string{"spam", "eggs"}, rs.Keywords); diff != "" {
		t.Fatalf("normalized keywords (-want +got):\n%s", diff)
	}

	added, err := s.AddKeyword(ctx, "ham")
	if err != nil || !added {
		t.Fatalf("AddKeyword: %v %v", added, err)
	}
	if got := recv(t, sub); len(got.Keywords) != 3 {
		t.Errorf("published: %v", got.Keywords)
	}
	if added, _ := s.AddKeyword(ctx, "ham"); added {
		t.Error("duplicate keyword added")
	}
	if _, err := s.AddKeyword(ctx, "  "); !errors.Is(err, ErrEmptyKeyword) {
		t.Errorf("blank keyword: %v", err)
	}
	if err := s.RemoveKeyword(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("remove missing: %v", err)
	}
	if err := s.RemoveKeyword(ctx, "spam"); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"eggs", "ham"}, recv(t, sub).Keywords); diff != "" {
		t.Errorf("after remove (-want +got):\n%s", diff)
	}
	if err := s.SetDisabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, sub); !got.Disabled {
		t.Error("disable not published")
	}
}

func TestFile_LoadEditWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("keywords: [课程]\ncase_insensitive: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs, _ := f.Get(ctx)
	if !rs.CaseInsensitive || len(rs.Keywords) != 1 {
		t.Fatalf("loaded: %+v", rs)
	}

	sub := f.Subscribe(ctx)
	if _, err := f.AddKeyword(ctx, "加微信"); err != nil {
		t.Fatal(err)
	}
	recv(t, sub)
	reopened, err := OpenFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := reopened.Get(ctx)
	if diff := cmp.Diff([]string{"课程", "加微信"}, got.Keywords); diff != "" {
		t.Errorf("persisted keywords (-want +got):\n%s", diff)
	}

	watchDone := make(chan error, 1)
	go func() { watchDone <- f.Watch(ctx) }()

	// An external edit replaces the file; retry until the watcher is up.
	deadline := time.After(10 * time.Second)
	for {
		if err := os.WriteFile(path, []byte("keywords: [广告]\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		select {
		case rs := <-sub:
			if diff := cmp.Diff([]string{"广告"}, rs.Keywords); diff != "" {
				t.Errorf("reloaded (-want +got):\n%s", diff)
			}
			cancel()
			if err := <-watchDone; err != nil {
				t.Errorf("Watch: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("external edit never published")
		case <-time.After(300 * time.Millisecond):
		}
	}
}

func TestFile_Missing(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "none.yaml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	rs, _ := f.Get(context.Background())
	if len(rs.Keywords) != 0 {
		t.Errorf("missing file: %+v", rs)
	}
}

func TestSQLite_Edits(t *testing.T) {
	db := store.OpenMemory(t, store.WithSchema(Schema))
	ctx := context.Background()
	s, err := NewSQLite(ctx, db, SQLiteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Seed(ctx, []string{"spam", "eggs"}); err != nil {
		t.Fatal(err)
	}
	// Seeding a non-empty table is a no-op.
	if err := s.Seed(ctx, []string{"other"}); err != nil {
		t.Fatal(err)
	}

	sub := s.Subscribe(ctx)
	if added, err := s.AddKeyword(ctx, "ham"); err != nil || !added {
		t.Fatalf("AddKeyword: %v %v", added, err)
	}
	if diff := cmp.Diff([]string{"spam", "eggs", "ham"}, recv(t, sub).Keywords); diff != "" {
		t.Errorf("keywords (-want +got):\n%s", diff)
	}
	if added, _ := s.AddKeyword(ctx, "ham"); added {
		t.Error("duplicate keyword added")
	}
	if err := s.RemoveKeyword(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("remove missing: %v", err)
	}
	if err := s.SetDisabled(ctx, true); err != nil {
		t.Fatal(err)
	}
	if got := recv(t, sub); !got.Disabled {
		t.Error("disable not published")
	}
}

func TestSQLite_WatchSeesForeignWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.db")
	db, err := store.Open(path, store.WithSchema(Schema))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	admin, err := store.Open(path, store.WithSchema(Schema))
	if err != nil {
		t.Fatal(err)
	}
	defer admin.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := NewSQLite(ctx, db, SQLiteOptions{Interval: 10 * time.Millisecond, Debounce: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	sub := s.Subscribe(ctx)
	go s.Watch(ctx)

	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		// Repeat until the poller has its baseline.
		if _, err := admin.Exec(`INSERT OR IGNORE INTO rule_keywords (keyword, created_at) VALUES ('outside', ?)`, i); err != nil {
			t.Fatal(err)
		}
		if i > 0 {
			if _, err := admin.Exec(`UPDATE rule_settings SET case_insensitive = ? WHERE id = 1`, i%2); err != nil {
				t.Fatal(err)
			}
		}
		select {
		case rs := <-sub:
			if len(rs.Keywords) != 1 || rs.Keywords[0] != "outside" {
				t.Errorf("reloaded: %+v", rs)
			}
			if s.Stats().Reloads == 0 {
				t.Error("reload not counted")
			}
			return
		case <-deadline:
			t.Fatal("foreign write never published")
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func TestFeed(t *testing.T) {
	s := NewStatic(livetree.RuleSet{})
	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan livetree.RuleSet, 4)
	done := make(chan struct{})
	go func() {
		Feed(ctx, s, updaterFunc(func(rs livetree.RuleSet) { got <- rs }))
		close(done)
	}()

	// Feed subscribes asynchronously; keep publishing until it is seen.
	for i := 0; ; i++ {
		s.Set(livetree.RuleSet{Keywords: []string{"k", string(rune('a' + i%26))}})
		select {
		case <-got:
			cancel()
			<-done
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
}

type updaterFunc func(livetree.RuleSet)

func (f updaterFunc) Update(rs livetree.RuleSet) { f(rs) }
