package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"hookrelay/internal/storage"
	logx "hookrelay/pkg/logx"
)

func openFileStore(t *testing.T, path string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestUpsertPreservesFirstSeen(t *testing.T) {
	r := New(nil, logx.Nop())
	c := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	r.now = c.now

	ctx := context.Background()
	first, err := r.Upsert(ctx, "-1001", Meta{Type: "channel", Title: "News"})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	c.set(c.now().Add(time.Hour))
	second, _ := r.Upsert(ctx, "-1001", Meta{Username: "@newsfeed"})
	if !second.FirstSeen.Equal(first.FirstSeen) {
		t.Fatalf("first_seen changed: %v -> %v", first.FirstSeen, second.FirstSeen)
	}
	if !second.LastSeen.After(first.LastSeen) {
		t.Fatalf("last_seen not advanced: %v", second.LastSeen)
	}
	if second.Title != "News" || second.Type != "channel" || second.Username != "newsfeed" {
		t.Fatalf("metadata not merged: %+v", second)
	}

	// a clock step backwards must not move last_seen back
	c.set(c.now().Add(-3 * time.Hour))
	third, _ := r.Upsert(ctx, "-1001", Meta{})
	if third.LastSeen.Before(second.LastSeen) {
		t.Fatalf("last_seen went backwards: %v < %v", third.LastSeen, second.LastSeen)
	}
	if third.FirstSeen.After(third.LastSeen) {
		t.Fatal("first_seen > last_seen")
	}
}

func TestUpsertRejectsNonNumeric(t *testing.T) {
	r := New(nil, logx.Nop())
	if _, err := r.Upsert(context.Background(), "@handle", Meta{}); !errors.Is(err, ErrInvalidChatID) {
		t.Fatalf("expected ErrInvalidChatID, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("registry should be empty")
	}
}

func TestUpsertRejectsUnknownType(t *testing.T) {
	r := New(nil, logx.Nop())
	ctx := context.Background()
	if _, err := r.Upsert(ctx, "77", Meta{Type: "banana"}); !errors.Is(err, ErrInvalidChatType) {
		t.Fatalf("expected ErrInvalidChatType, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatal("registry should be empty")
	}

	rec, err := r.Upsert(ctx, "-1005", Meta{Type: " Channel "})
	if err != nil || rec.Type != "channel" {
		t.Fatalf("rec = %+v, err = %v", rec, err)
	}
	// a bad type on refresh leaves the stored record alone
	if _, err := r.Upsert(ctx, "-1005", Meta{Type: "bot", Title: "x"}); !errors.Is(err, ErrInvalidChatType) {
		t.Fatalf("refresh err = %v", err)
	}
	if got, _ := r.Get("-1005"); got.Type != "channel" || got.Title != "" {
		t.Fatalf("stored = %+v", got)
	}
}

// failingStore loads nothing and fails every save.
type failingStore struct{}

func (failingStore) LoadChats(context.Context) ([]storage.ChatRecord, error) { return nil, nil }
func (failingStore) SaveChats(context.Context, []storage.ChatRecord) error {
	return errors.New("disk full")
}
func (failingStore) AppendAudit(context.Context, storage.AuditEntry) error { return nil }
func (failingStore) Close() error                                          { return nil }

func TestSaveFailureKeepsMemoryAndWarns(t *testing.T) {
	var buf bytes.Buffer
	r := New(failingStore{}, logx.NewWriter(&buf, "debug"))

	if _, err := r.Upsert(context.Background(), "42", Meta{Type: "private"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}
	out := buf.String()
	if !strings.Contains(out, "chat registry save failed") || !strings.Contains(out, "disk full") {
		t.Fatalf("log = %q", out)
	}
}

func TestConcurrentUpsertsPersistAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat_registry.json")
	r := New(openFileStore(t, path), logx.Nop())

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := r.Upsert(context.Background(), strconv.Itoa(1000+i), Meta{Type: "private"}); err != nil {
				t.Errorf("Upsert: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != n {
		t.Fatalf("in-memory len = %d, want %d", r.Len(), n)
	}

	// reload from disk through a fresh store
	r2 := New(openFileStore(t, path), logx.Nop())
	if got := r2.Load(context.Background()); got != n {
		t.Fatalf("reloaded %d records, want %d", got, n)
	}
	for id, rec := range r2.ListAll() {
		if id != rec.ChatID {
			t.Fatalf("key %q holds %q", id, rec.ChatID)
		}
		if rec.FirstSeen.After(rec.LastSeen) {
			t.Fatalf("record %s has first_seen > last_seen", id)
		}
	}
}

func TestListIDsInsertionOrderSurvivesReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg.json")
	r := New(openFileStore(t, path), logx.Nop())
	ctx := context.Background()
	for _, id := range []string{"30", "-10", "20"} {
		if _, err := r.Upsert(ctx, id, Meta{}); err != nil {
			t.Fatal(err)
		}
	}
	if !r.Remove(ctx, "-10") {
		t.Fatal("Remove reported absent")
	}
	if r.Remove(ctx, "-10") {
		t.Fatal("second Remove should be a no-op")
	}
	_, _ = r.Upsert(ctx, "5", Meta{})

	r2 := New(openFileStore(t, path), logx.Nop())
	r2.Load(ctx)
	got := r2.ListIDs()
	want := []string{"30", "20", "5"}
	if len(got) != len(want) {
		t.Fatalf("ids = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ids = %v, want %v", got, want)
		}
	}
}

func TestLoadCorruptStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	r := New(openFileStore(t, path), logx.Nop())
	if n := r.Load(context.Background()); n != 0 {
		t.Fatalf("loaded %d from corrupt file", n)
	}
	// still writable afterwards
	if _, err := r.Upsert(context.Background(), "1", Meta{}); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 1 {
		t.Fatal("upsert after corrupt load failed")
	}
}

func TestListAllIsACopy(t *testing.T) {
	r := New(nil, logx.Nop())
	_, _ = r.Upsert(context.Background(), "7", Meta{Title: "a"})
	all := r.ListAll()
	rec := all["7"]
	rec.Title = "mutated"
	all["7"] = rec
	delete(all, "7")
	if got, _ := r.Get("7"); got.Title != "a" {
		t.Fatalf("registry mutated through ListAll: %+v", got)
	}
}

func TestInferType(t *testing.T) {
	cases := map[string]string{"42": "private", "-5": "group", "-1001": "supergroup"}
	for id, want := range cases {
		if got := InferType(id); got != want {
			t.Fatalf("InferType(%s) = %s, want %s", id, got, want)
		}
	}
}
