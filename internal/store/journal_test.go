package store

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ollehd/internal/crypto"
)

func testKey(b byte) []byte { return bytes.Repeat([]byte{b}, crypto.XKeySize) }

func mustSalt(t *testing.T) crypto.Salt {
	t.Helper()
	s, err := crypto.NewSalt()
	if err != nil {
		t.Fatalf("salt: %v", err)
	}
	return s
}

func replayAll(t *testing.T, j *Journal) []Record {
	t.Helper()
	var out []Record
	if err := j.Replay(func(r Record) error {
		out = append(out, r)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	return out
}

func TestJournalAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions", "journal.jsonl")
	j, err := Open(path, testKey(7))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s1, s2 := mustSalt(t), mustSalt(t)
	sk := []byte("0123456789abcdef0123456789abcdef")
	if err := j.Append(Record{Op: OpRegister, Salt: s1, Addr: "127.0.0.1:9", Login: "alice", SessionKey: sk}); err != nil {
		t.Fatalf("append register: %v", err)
	}
	if err := j.Append(Record{Op: OpRotate, Salt: s1, NewSalt: s2}); err != nil {
		t.Fatalf("append rotate: %v", err)
	}
	if j.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", j.Len())
	}
	_ = j.Close()

	raw, _ := os.ReadFile(path)
	if bytes.Contains(raw, sk) || strings.Contains(string(raw), "3031323334") {
		t.Fatalf("session key written in the clear")
	}

	j, err = Open(path, testKey(7))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	recs := replayAll(t, j)
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].Op != OpRegister || recs[0].Salt != s1 || !bytes.Equal(recs[0].SessionKey, sk) || recs[0].Login != "alice" {
		t.Fatalf("bad register record %+v", recs[0])
	}
	if recs[1].Op != OpRotate || recs[1].Salt != s1 || recs[1].NewSalt != s2 {
		t.Fatalf("bad rotate record %+v", recs[1])
	}
}

func TestJournalWrongKeyFailsReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, _ := Open(path, testKey(1))
	if err := j.Append(Record{Op: OpRegister, Salt: mustSalt(t), SessionKey: []byte("k")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = j.Close()

	j, _ = Open(path, testKey(2))
	defer j.Close()
	if err := j.Replay(func(Record) error { return nil }); err == nil {
		t.Fatalf("replay with the wrong key should fail")
	}
}

func TestJournalSkipsTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, _ := Open(path, testKey(3))
	_ = j.Append(Record{Op: OpExpire, Salt: mustSalt(t)})
	_ = j.Close()

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	_, _ = f.WriteString(`{"op":"rot`)
	_ = f.Close()

	j, _ = Open(path, testKey(3))
	defer j.Close()
	if recs := replayAll(t, j); len(recs) != 1 || recs[0].Op != OpExpire {
		t.Fatalf("expected only the complete record, got %+v", recs)
	}
}

func TestJournalCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, _ := Open(path, testKey(4))
	defer j.Close()
	for i := 0; i < 5; i++ {
		_ = j.Append(Record{Op: OpRegister, Salt: mustSalt(t), SessionKey: []byte{byte(i)}})
	}
	live := Record{Op: OpRegister, Salt: mustSalt(t), Rounds: 9, SessionKey: []byte("live")}
	if err := j.Compact([]Record{live}); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if j.Len() != 0 {
		t.Fatalf("compact should reset the count")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
	_ = j.Append(Record{Op: OpExpire, Salt: live.Salt})

	recs := replayAll(t, j)
	if len(recs) != 2 || recs[0].Rounds != 9 || string(recs[0].SessionKey) != "live" || recs[1].Op != OpExpire {
		t.Fatalf("unexpected journal after compact %+v", recs)
	}
}

func TestJournalSurvivesFailedCompact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, _ := Open(path, testKey(6))
	defer j.Close()
	first := Record{Op: OpRegister, Salt: mustSalt(t), SessionKey: []byte("first")}
	if err := j.Append(first); err != nil {
		t.Fatalf("append: %v", err)
	}

	rename = func(string, string) error { return os.ErrPermission }
	defer func() { rename = os.Rename }()
	if err := j.Compact(nil); err == nil {
		t.Fatalf("compact should report the failed rename")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}

	if err := j.Append(Record{Op: OpExpire, Salt: first.Salt}); err != nil {
		t.Fatalf("journal unusable after failed compact: %v", err)
	}
	recs := replayAll(t, j)
	if len(recs) != 2 || string(recs[0].SessionKey) != "first" || recs[1].Op != OpExpire {
		t.Fatalf("unexpected journal %+v", recs)
	}
}

func TestJournalRejectsBadInput(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "j"), []byte("short")); err != ErrSealKey {
		t.Fatalf("expected ErrSealKey, got %v", err)
	}
	j, _ := Open(filepath.Join(t.TempDir(), "j"), testKey(5))
	if err := j.Append(Record{Op: OpRegister, Salt: mustSalt(t)}); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	_ = j.Close()
	if err := j.Append(Record{Op: OpExpire}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
