package vmoor_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sven-oakley/vmoor/internal/auditlog"
)

func TestAuditLogRecordAndHistory(t *testing.T) {
	dir := t.TempDir()
	log, err := auditlog.Open(filepath.Join(dir, "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	ctx := context.Background()
	now := time.Now().Unix()
	if err := log.Record(ctx, "demo", "boot_start", "", now); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := log.Record(ctx, "demo", "boot_success", "ssh_host_port=2222", now+1); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := log.Record(ctx, "other", "boot_start", "", now); err != nil {
		t.Fatalf("Record: %v", err)
	}

	events, err := log.History(ctx, "demo")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Event != "boot_success" {
		t.Errorf("got %q first, want newest-first ordering (boot_success)", events[0].Event)
	}

	all, err := log.History(ctx, "")
	if err != nil {
		t.Fatalf("History all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d events across all containers, want 3", len(all))
	}
}
