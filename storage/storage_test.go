package storage

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func localStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.Default())
}

func TestBaselineKey(t *testing.T) {
	tests := []struct {
		slug string
		want string
	}{
		{"btob", "club-btob.json"},
		{"club_01-a", "club-club_01-a.json"},
		{"", ""},
		{"../etc/passwd", ""},
		{"a/b", ""},
		{"name with spaces", ""},
	}

	for _, tt := range tests {
		if got := BaselineKey(tt.slug); got != tt.want {
			t.Errorf("BaselineKey(%q) = %q, want %q", tt.slug, got, tt.want)
		}
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	ctx := context.Background()
	store := localStore(t)

	baseline := &Baseline{
		ClubSlug:  "btob",
		Seen:      []string{"n1", "n2", "n3"},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	if err := store.Save(ctx, baseline); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.LoadByClub(ctx, "btob")
	if err != nil {
		t.Fatalf("LoadByClub() error = %v", err)
	}
	if loaded.ClubSlug != baseline.ClubSlug {
		t.Errorf("ClubSlug = %q, want %q", loaded.ClubSlug, baseline.ClubSlug)
	}
	if len(loaded.Seen) != 3 || loaded.Seen[0] != "n1" || loaded.Seen[2] != "n3" {
		t.Errorf("Seen = %v, want the saved list in order", loaded.Seen)
	}
	if !loaded.UpdatedAt.Equal(baseline.UpdatedAt) {
		t.Errorf("UpdatedAt = %v, want %v", loaded.UpdatedAt, baseline.UpdatedAt)
	}
}

func TestSaveInvalidSlug(t *testing.T) {
	store := localStore(t)
	err := store.Save(context.Background(), &Baseline{ClubSlug: "../escape"})
	if err == nil {
		t.Error("Save() accepted a traversal slug")
	}
}

func TestLoadMissingIsNotFound(t *testing.T) {
	store := localStore(t)
	_, err := store.LoadByClub(context.Background(), "absent")
	if err == nil {
		t.Fatal("LoadByClub() = nil error for a missing baseline")
	}
	if !IsNotFound(err) {
		t.Errorf("IsNotFound(%v) = false, want true", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := localStore(t)

	if err := store.Save(ctx, &Baseline{ClubSlug: "btob", Seen: []string{"n1"}}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Delete(ctx, "btob"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.LoadByClub(ctx, "btob"); !IsNotFound(err) {
		t.Errorf("baseline still present after delete: %v", err)
	}
	// Deleting again is fine.
	if err := store.Delete(ctx, "btob"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := localStore(t)

	for _, slug := range []string{"club1", "club2"} {
		if err := store.Save(ctx, &Baseline{ClubSlug: slug, Seen: []string{"n-" + slug}}); err != nil {
			t.Fatalf("Save(%s) error = %v", slug, err)
		}
	}

	baselines, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(baselines) != 2 {
		t.Fatalf("List() = %d baselines, want 2", len(baselines))
	}
	seen := map[string]bool{}
	for _, b := range baselines {
		seen[b.ClubSlug] = true
	}
	if !seen["club1"] || !seen["club2"] {
		t.Errorf("List() missing clubs: %v", seen)
	}
}
