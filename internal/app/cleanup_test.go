package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"aimable/api/internal/store"
)

func TestCleanupSelectsOnlyExpiredArchivedSpaces(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	seedSpace(t, ms, "sp-active", false)
	fresh := seedSpace(t, ms, "sp-fresh", false)
	expired := seedSpace(t, ms, "sp-expired", false)
	archiveAt(ms, fresh.ID, time.Now().Add(-24*time.Hour))
	archiveAt(ms, expired.ID, time.Now().Add(-45*24*time.Hour))

	result, err := svc.CleanupArchivedSpaces(ctx)
	if err != nil {
		t.Fatalf("CleanupArchivedSpaces() error = %v", err)
	}
	if result.Processed != 1 || result.Errors != 0 {
		t.Fatalf("expected {1 0}, got %+v", result)
	}

	tombstoned, err := ms.GetSpaceByID(ctx, expired.ID)
	if err != nil {
		t.Fatalf("GetSpaceByID() error = %v", err)
	}
	if tombstoned.Status != store.StatusDeleted {
		t.Fatalf("expected deleted status, got %s", tombstoned.Status)
	}
	if tombstoned.DeletedBy == nil || *tombstoned.DeletedBy != store.SystemActor {
		t.Fatalf("expected deletedBy=system, got %v", tombstoned.DeletedBy)
	}
	if tombstoned.DeletedAt == nil {
		t.Fatal("expected deletedAt to be set")
	}

	// The fresh archive is untouched.
	kept, _ := ms.GetSpaceByID(ctx, fresh.ID)
	if kept.Status != store.StatusArchived {
		t.Fatalf("expected fresh archive untouched, got %s", kept.Status)
	}
}

func TestCleanupIsolatesPerItemFailures(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	good := seedSpace(t, ms, "sp-good", false)
	bad := seedSpace(t, ms, "sp-bad", false)
	archiveAt(ms, good.ID, time.Now().Add(-45*24*time.Hour))
	archiveAt(ms, bad.ID, time.Now().Add(-45*24*time.Hour))

	ms.tombstoneSpaceFn = func(ctx context.Context, spaceID, actor string) (store.Space, error) {
		if spaceID == bad.ID {
			return store.Space{}, errors.New("store unavailable")
		}
		return ms.tombstone(ctx, spaceID, actor)
	}

	result, err := svc.CleanupArchivedSpaces(ctx)
	if err != nil {
		t.Fatalf("CleanupArchivedSpaces() error = %v", err)
	}
	if result.Processed != 1 || result.Errors != 1 {
		t.Fatalf("expected {processed:1 errors:1}, got %+v", result)
	}

	deleted, _ := ms.GetSpaceByID(ctx, good.ID)
	if deleted.Status != store.StatusDeleted {
		t.Fatalf("expected good candidate tombstoned, got %s", deleted.Status)
	}
	survivor, _ := ms.GetSpaceByID(ctx, bad.ID)
	if survivor.Status != store.StatusArchived {
		t.Fatalf("expected failing candidate left archived, got %s", survivor.Status)
	}
}

func TestCleanupRunsInBatchesWithThrottle(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	svc.cfg.CleanupBatchSize = 2
	svc.cfg.CleanupBatchDelay = time.Millisecond
	ctx := context.Background()

	ids := []string{"sp-a", "sp-b", "sp-c", "sp-d", "sp-e"}
	for _, id := range ids {
		space := seedSpace(t, ms, id, false)
		archiveAt(ms, space.ID, time.Now().Add(-45*24*time.Hour))
	}

	result, err := svc.CleanupArchivedSpaces(ctx)
	if err != nil {
		t.Fatalf("CleanupArchivedSpaces() error = %v", err)
	}
	if result.Processed != len(ids) || result.Errors != 0 {
		t.Fatalf("expected all processed, got %+v", result)
	}
	for _, id := range ids {
		space, _ := ms.GetSpaceByID(ctx, id)
		if space.Status != store.StatusDeleted {
			t.Fatalf("expected %s tombstoned, got %s", id, space.Status)
		}
	}
}

func TestCleanupStoreFailureSurfacesError(t *testing.T) {
	ms := newMemStore()
	ms.getSpacesForCleanupFn = func(context.Context, time.Time) ([]store.Space, error) {
		return nil, errors.New("connection refused")
	}
	svc := newTestService(ms)

	if _, err := svc.CleanupArchivedSpaces(context.Background()); err == nil {
		t.Fatal("expected candidate query failure to surface")
	}
}
