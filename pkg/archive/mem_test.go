package archive_test

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/whisperstream/pkg/archive"
)

func TestMemStore_SessionOrdered(t *testing.T) {
	t.Parallel()

	s := archive.NewMemStore()
	ctx := context.Background()
	for _, e := range []archive.Entry{
		{SessionID: "a", Seq: 2, Text: "second"},
		{SessionID: "b", Seq: 1, Text: "other"},
		{SessionID: "a", Seq: 1, Text: "first"},
	} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := s.Session(ctx, "a")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("Session(a) = %+v", got)
	}
	for _, e := range got {
		if e.CreatedAt.IsZero() {
			t.Error("CreatedAt not stamped")
		}
	}
}

func TestMemStore_UnknownSessionEmpty(t *testing.T) {
	t.Parallel()

	got, err := archive.NewMemStore().Session(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Session = %#v, want empty non-nil slice", got)
	}
}

func TestMemStore_Recent(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	s := archive.NewMemStore(archive.WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = s.Append(ctx, archive.Entry{SessionID: "a", Seq: 1, Text: "old", CreatedAt: now.Add(-time.Hour)})
	_ = s.Append(ctx, archive.Entry{SessionID: "a", Seq: 2, Text: "new", CreatedAt: now.Add(-time.Minute)})
	_ = s.Append(ctx, archive.Entry{SessionID: "b", Seq: 1, Text: "now"})

	got, err := s.Recent(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "new" || got[1].Text != "now" {
		t.Errorf("Recent = %+v", got)
	}
}

func TestMemStore_Limit(t *testing.T) {
	t.Parallel()

	s := archive.NewMemStore(archive.WithLimit(2))
	ctx := context.Background()
	for i := int64(1); i <= 3; i++ {
		_ = s.Append(ctx, archive.Entry{SessionID: "a", Seq: i})
	}
	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2", s.Len())
	}
	got, _ := s.Session(ctx, "a")
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("retained seqs %d,%d, want 2,3", got[0].Seq, got[1].Seq)
	}
}

func TestMemStore_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := archive.NewMemStore()
	if err := s.Append(ctx, archive.Entry{SessionID: "a"}); err == nil {
		t.Error("Append with cancelled context succeeded")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}
