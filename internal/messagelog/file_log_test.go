package messagelog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileLogPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	log, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("new file log failed: %v", err)
	}
	first := mustAppend(t, log, "seller_1", "961700000001", DirectionInbound, "hi")
	second := mustAppend(t, log, "seller_1", "961700000001", DirectionOutbound, "hello")
	if err := log.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("reopen file log failed: %v", err)
	}
	defer reopened.Close()
	thread, err := reopened.ListMessages(context.Background(), "seller_1", "961700000001")
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	if len(thread) != 2 || thread[0].ID != first.ID || thread[1].ID != second.ID {
		t.Fatalf("expected persisted thread [%s %s], got %+v", first.ID, second.ID, thread)
	}
}

func TestFileLogSharesRowsBetweenWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jsonl")
	writer, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("new writer log failed: %v", err)
	}
	defer writer.Close()
	reader, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("new reader log failed: %v", err)
	}
	defer reader.Close()

	events := make(chan ChangeEvent, 4)
	if _, err := reader.Subscribe("seller_1", func(ev ChangeEvent) { events <- ev }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	msg := mustAppend(t, writer, "seller_1", "alice", DirectionInbound, "from another writer")

	select {
	case ev := <-events:
		if ev.MessageID != msg.ID {
			t.Fatalf("expected event for %s, got %+v", msg.ID, ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for fsnotify-driven event")
	}

	summaries, err := reader.ListConversations(context.Background(), "seller_1")
	if err != nil {
		t.Fatalf("list conversations failed: %v", err)
	}
	if len(summaries) != 1 || summaries[0].LastMessageID != msg.ID {
		t.Fatalf("expected reader to see writer row, got %+v", summaries)
	}
}

func TestFileLogRecoversFromTornLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.jsonl")
	if err := os.WriteFile(path, []byte(`{"id":"partial","operatorId":"sel`), 0o644); err != nil {
		t.Fatalf("seed torn file failed: %v", err)
	}
	log, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("new file log failed: %v", err)
	}
	msg := mustAppend(t, log, "seller_1", "alice", DirectionInbound, "after crash")
	_ = log.Close()

	reopened, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	thread, err := reopened.ListMessages(context.Background(), "seller_1", "alice")
	if err != nil {
		t.Fatalf("list messages failed: %v", err)
	}
	if len(thread) != 1 || thread[0].ID != msg.ID {
		t.Fatalf("expected only the intact row, got %+v", thread)
	}
}
