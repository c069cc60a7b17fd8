package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "hookrelay/pkg/logx"
)

// fileStore keeps the registry as one JSON document.
//
// Files:
//   - <path>                (registry: {"<chat_id>": {...}, ...} in registry order)
//   - <prefix>.audit.jsonl  (append-only JSON Lines, rotated to .1 at maxAuditBytes)
//
// Every SaveChats writes a temp file in the same directory, fsyncs it and
// renames it over <path>, so readers never observe a partial document.
type fileStore struct {
	log  logx.Logger
	path string

	mu        sync.Mutex
	auditPath string
	auditFile *os.File
	auditSize int64
}

// maxAuditBytes caps the live audit file. One rotated generation is kept.
var maxAuditBytes int64 = 10 << 20

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: path, auditPath: prefix + ".audit.jsonl"}
	if err := s.openAuditLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) openAuditLocked() error {
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	st, err := af.Stat()
	if err != nil {
		_ = af.Close()
		return err
	}
	s.auditFile = af
	s.auditSize = st.Size()
	return nil
}

// rotateAuditLocked moves the live audit file to <audit>.1, replacing any
// older generation, and starts a fresh one.
func (s *fileStore) rotateAuditLocked() error {
	if err := s.auditFile.Close(); err != nil {
		s.log.Warn("audit close before rotate failed", logx.Err(err))
	}
	s.auditFile = nil
	if err := os.Rename(s.auditPath, s.auditPath+".1"); err != nil {
		s.log.Warn("audit rotate failed", logx.String("path", s.auditPath), logx.Err(err))
	}
	if err := s.openAuditLocked(); err != nil {
		return err
	}
	s.log.Info("audit file rotated", logx.String("path", s.auditPath))
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

// LoadChats returns the stored records in document order. A missing or empty
// file is an empty registry; an undecodable one returns ErrCorrupt.
func (s *fileStore) LoadChats(ctx context.Context) ([]ChatRecord, error) {
	_ = ctx
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	recs, err := decodeChats(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	return recs, nil
}

func (s *fileStore) SaveChats(ctx context.Context, recs []ChatRecord) error {
	_ = ctx
	data, err := encodeChats(recs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeFileAtomic(s.path, data)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if s.auditSize > 0 && s.auditSize+int64(len(line)) > maxAuditBytes {
		if err := s.rotateAuditLocked(); err != nil {
			return err
		}
	}
	n, err := s.auditFile.Write(line)
	s.auditSize += int64(n)
	return err
}

// encodeChats writes an object whose key order follows recs. encoding/json
// would sort map keys, losing registry order.
func encodeChats(recs []ChatRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, r := range recs {
		if i > 0 {
			buf.WriteString(",")
		}
		k, err := json.Marshal(r.ChatID)
		if err != nil {
			return nil, err
		}
		v, err := json.MarshalIndent(r, "  ", "  ")
		if err != nil {
			return nil, err
		}
		buf.WriteString("\n  ")
		buf.Write(k)
		buf.WriteString(": ")
		buf.Write(v)
	}
	if len(recs) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// decodeChats streams the top-level object so key order is preserved.
// Each record's chat_id is forced to its key.
func decodeChats(data []byte) ([]ChatRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var out []ChatRecord
	index := map[string]int{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := kt.(string)
		var r ChatRecord
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("record %q: %w", key, err)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r.ChatID = key
		if r.LastSeen.Before(r.FirstSeen) {
			r.LastSeen = r.FirstSeen
		}
		if i, dup := index[key]; dup {
			out[i] = r
			continue
		}
		index[key] = len(out)
		out = append(out, r)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return out, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err := f.Write(data); err != nil {
		return cleanup(err)
	}
	if err := f.Sync(); err != nil {
		return cleanup(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, 0o600); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	// Best-effort directory fsync so the rename itself is durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
