package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aimable/api/internal/rbac"
	"aimable/api/internal/store"
)

func TestResolveCurrentSpaceExplicitID(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	member := seedUser(t, ms, "user-1", "one@example.com")
	admin := seedUser(t, ms, "admin-1", "admin@example.com", "admin")
	space := seedSpace(t, ms, "sp-1", false)
	other := seedSpace(t, ms, "sp-2", false)
	seedMember(t, ms, space.ID, member.ID, rbac.RoleUser)

	// Member requesting their own space gets it.
	spaceID, err := svc.ResolveCurrentSpace(ctx, sessionFor(member), space.ID)
	if err != nil || spaceID != space.ID {
		t.Fatalf("expected %s, got %s err=%v", space.ID, spaceID, err)
	}

	// Member requesting a space they don't belong to falls back to
	// their membership list.
	spaceID, err = svc.ResolveCurrentSpace(ctx, sessionFor(member), other.ID)
	if err != nil || spaceID != space.ID {
		t.Fatalf("expected fallback to %s, got %s err=%v", space.ID, spaceID, err)
	}

	// Admins are trusted unchecked.
	spaceID, err = svc.ResolveCurrentSpace(ctx, sessionFor(admin), other.ID)
	if err != nil || spaceID != other.ID {
		t.Fatalf("expected admin bypass to %s, got %s err=%v", other.ID, spaceID, err)
	}
}

func TestResolveCurrentSpaceFallbackPrefersActive(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	user := seedUser(t, ms, "user-1", "one@example.com")
	archived := seedSpace(t, ms, "sp-archived", false)
	active := seedSpace(t, ms, "sp-active", false)
	seedMember(t, ms, archived.ID, user.ID, rbac.RoleUser)
	seedMember(t, ms, active.ID, user.ID, rbac.RoleUser)
	archiveAt(ms, archived.ID, time.Now())

	spaceID, err := svc.ResolveCurrentSpace(ctx, sessionFor(user), "")
	if err != nil || spaceID != active.ID {
		t.Fatalf("expected active space %s, got %s err=%v", active.ID, spaceID, err)
	}
}

func TestResolveCurrentSpaceArchivedOnlyMembership(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	ctx := context.Background()

	user := seedUser(t, ms, "user-1", "one@example.com")
	archived := seedSpace(t, ms, "sp-archived", false)
	seedMember(t, ms, archived.ID, user.ID, rbac.RoleUser)
	archiveAt(ms, archived.ID, time.Now())

	// An archived membership still resolves: non-deleted beats nothing.
	spaceID, err := svc.ResolveCurrentSpace(ctx, sessionFor(user), "")
	if err != nil || spaceID != archived.ID {
		t.Fatalf("expected archived fallback %s, got %s err=%v", archived.ID, spaceID, err)
	}
}

func TestResolveCurrentSpaceNoMemberships(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)

	user := seedUser(t, ms, "user-1", "one@example.com")
	deleted := seedSpace(t, ms, "sp-deleted", false)
	seedMember(t, ms, deleted.ID, user.ID, rbac.RoleUser)
	ms.mu.Lock()
	s2 := ms.spaces[deleted.ID]
	s2.Status = store.StatusDeleted
	ms.spaces[deleted.ID] = s2
	ms.mu.Unlock()

	spaceID, err := svc.ResolveCurrentSpace(context.Background(), sessionFor(user), "")
	if err != nil {
		t.Fatalf("ResolveCurrentSpace() error = %v", err)
	}
	if spaceID != "" {
		t.Fatalf("expected no workspace, got %s", spaceID)
	}
}

func TestExplicitSpaceIDHeaderBeatsCookie(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/spaces/current", nil)
	if got := explicitSpaceID(r); got != "" {
		t.Fatalf("expected empty id, got %q", got)
	}

	r.AddCookie(&http.Cookie{Name: CurrentSpaceCookie, Value: "sp-cookie"})
	if got := explicitSpaceID(r); got != "sp-cookie" {
		t.Fatalf("expected cookie id, got %q", got)
	}

	r.Header.Set(CurrentSpaceHeader, "sp-header")
	if got := explicitSpaceID(r); got != "sp-header" {
		t.Fatalf("expected header to win, got %q", got)
	}
}
