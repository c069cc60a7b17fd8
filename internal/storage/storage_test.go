package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "hookrelay/pkg/logx"
)

func sampleChats(now time.Time) []ChatRecord {
	return []ChatRecord{
		{ChatID: "-1003", Type: "supergroup", Title: "Ops", FirstSeen: now.Add(-time.Hour), LastSeen: now},
		{ChatID: "42", Type: "private", Username: "alice", FirstSeen: now, LastSeen: now},
		{ChatID: "-1001", Type: "channel", Title: "News", FirstSeen: now, LastSeen: now},
	}
}

func assertChats(t *testing.T, got, want []ChatRecord) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if g.ChatID != w.ChatID || g.Type != w.Type || g.Title != w.Title || g.Username != w.Username {
			t.Fatalf("record %d = %+v, want %+v", i, g, w)
		}
		if !g.FirstSeen.Equal(w.FirstSeen) || !g.LastSeen.Equal(w.LastSeen) {
			t.Fatalf("record %d times = %v/%v, want %v/%v", i, g.FirstSeen, g.LastSeen, w.FirstSeen, w.LastSeen)
		}
	}
}

func TestFileStoreRoundTripKeepsOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat_registry.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	want := sampleChats(now)
	if err := st.SaveChats(ctx, want); err != nil {
		t.Fatalf("SaveChats: %v", err)
	}

	got, err := st.LoadChats(ctx)
	if err != nil {
		t.Fatalf("LoadChats: %v", err)
	}
	assertChats(t, got, want)

	// the document stays a plain object keyed by chat id
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]ChatRecord
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("document is not a JSON object: %v", err)
	}
	for k, v := range m {
		if k != v.ChatID {
			t.Fatalf("key %q holds chat_id %q", k, v.ChatID)
		}
	}

	// no temp files left behind
	matches, _ := filepath.Glob(filepath.Join(dir, "*.tmp"))
	if len(matches) != 0 {
		t.Fatalf("leftover temp files: %v", matches)
	}
}

func TestFileStoreMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reg.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	recs, err := st.LoadChats(context.Background())
	if err != nil || len(recs) != 0 {
		t.Fatalf("missing file: recs=%v err=%v", recs, err)
	}

	if err := os.WriteFile(path, []byte(`{"1": {"chat_id": `), 0o600); err != nil {
		t.Fatal(err)
	}
	recs, err = st.LoadChats(context.Background())
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("corrupt file yielded records: %v", recs)
	}
}

func TestFileStoreForcesKeyAsChatID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reg.json")
	doc := `{"77": {"chat_id": "wrong", "type": "group", "first_seen": "2024-01-02T00:00:00Z", "last_seen": "2024-01-01T00:00:00Z"}}`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	recs, err := st.LoadChats(context.Background())
	if err != nil || len(recs) != 1 {
		t.Fatalf("recs=%v err=%v", recs, err)
	}
	if recs[0].ChatID != "77" {
		t.Fatalf("chat_id = %q", recs[0].ChatID)
	}
	if recs[0].LastSeen.Before(recs[0].FirstSeen) {
		t.Fatal("last_seen before first_seen")
	}
}

func TestFileStoreAuditAppends(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "reg.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := st.AppendAudit(ctx, AuditEntry{At: time.Now(), RID: "abcd1234", Status: "sent", OK: true, Chunks: 1}); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "reg.audit.jsonl"))
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		n++
	}
	if n != 3 {
		t.Fatalf("audit lines = %d, want 3", n)
	}
}

func auditLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("%s line %d: %v", path, n, err)
		}
		n++
	}
	return n
}

func TestFileStoreAuditRotates(t *testing.T) {
	old := maxAuditBytes
	maxAuditBytes = 400
	t.Cleanup(func() { maxAuditBytes = old })

	dir := t.TempDir()
	path := filepath.Join(dir, "reg.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	e := AuditEntry{At: time.Now(), RID: "abcd1234", Status: "sent", ChatID: "42", OK: true, Chunks: 1}
	for i := 0; i < 8; i++ {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit %d: %v", i, err)
		}
	}
	_ = st.Close()

	live := filepath.Join(dir, "reg.audit.jsonl")
	fi, err := os.Stat(live)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() > maxAuditBytes {
		t.Fatalf("live audit size = %d, cap %d", fi.Size(), maxAuditBytes)
	}
	if n := auditLines(t, live+".1"); n == 0 {
		t.Fatal("rotated audit file is empty")
	}
	if n := auditLines(t, live); n == 0 {
		t.Fatal("live audit file is empty")
	}

	// a reopened store picks up the existing size
	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	before := auditLines(t, live)
	for i := 0; i < 8; i++ {
		if err := st.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit after reopen: %v", err)
		}
	}
	if fi, _ := os.Stat(live); fi.Size() > maxAuditBytes {
		t.Fatalf("live audit size after reopen = %d", fi.Size())
	}
	if after := auditLines(t, live); after == before+8 {
		t.Fatal("audit did not rotate after reopen")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookrelay.db")
	st, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	want := sampleChats(now)
	if err := st.SaveChats(ctx, want); err != nil {
		t.Fatalf("SaveChats: %v", err)
	}
	// a second save replaces, not appends
	want = want[:2]
	if err := st.SaveChats(ctx, want); err != nil {
		t.Fatalf("SaveChats: %v", err)
	}
	got, err := st.LoadChats(ctx)
	if err != nil {
		t.Fatalf("LoadChats: %v", err)
	}
	assertChats(t, got, want)

	if err := st.AppendAudit(ctx, AuditEntry{RID: "r1", Status: "failed", ErrorKind: "ChatIdMissing"}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
}

func TestOpenDisabled(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("st=%v err=%v", st, err)
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
