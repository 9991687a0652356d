package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDeduplicator_FirstSubmissionPasses(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})

	d := NewDeduplicator(rdb, time.Minute)
	fp := Fingerprint(1, "Fundacja A", []string{"ubrania"}, "2026-09-01")

	dup, err := d.IsDuplicate(context.Background(), fp)
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if dup {
		t.Fatalf("first submission flagged as duplicate")
	}

	dup, err = d.IsDuplicate(context.Background(), fp)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if !dup {
		t.Fatalf("repeat submission not flagged")
	}

	if err := d.Delete(context.Background(), fp); err != nil {
		t.Fatalf("delete: %v", err)
	}
	dup, err = d.IsDuplicate(context.Background(), fp)
	if err != nil {
		t.Fatalf("check after delete: %v", err)
	}
	if dup {
		t.Fatalf("submission flagged after delete")
	}
}

func TestDeduplicator_NilSafe(t *testing.T) {
	var d *Deduplicator
	dup, err := d.IsDuplicate(context.Background(), "anything")
	if err != nil || dup {
		t.Fatalf("expected nil deduplicator to pass, got dup=%v err=%v", dup, err)
	}
}
