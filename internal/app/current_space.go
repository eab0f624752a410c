package app

import (
	"context"
	"errors"
	"net/http"

	"aimable/api/internal/store"
)

// CurrentSpaceHeader and CurrentSpaceCookie are the explicit space-id
// signals, checked in that order.
const (
	CurrentSpaceHeader = "X-Space-Id"
	CurrentSpaceCookie = "current_space_id"
)

// ResolveCurrentSpace determines which space a request is scoped to.
// An explicit id from a global admin is trusted unchecked; from an
// ordinary caller it must match a membership, else it falls through to
// the first non-deleted membership space, preferring active ones.
// Returns "" when the user has no space at all.
func (s *Service) ResolveCurrentSpace(ctx context.Context, session Session, explicitID string) (string, error) {
	if explicitID != "" {
		if session.Roles.IsAdmin() {
			return explicitID, nil
		}
		_, err := s.store.GetMember(ctx, explicitID, session.UserID)
		if err == nil {
			return explicitID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		// Not a member of the requested space: fall through.
	}

	spaces, err := s.store.ListSpacesForUser(ctx, session.UserID)
	if err != nil {
		return "", err
	}
	fallback := ""
	for _, space := range spaces {
		if space.Status == store.StatusActive {
			return space.ID, nil
		}
		if fallback == "" && space.Status != store.StatusDeleted {
			fallback = space.ID
		}
	}
	return fallback, nil
}

// explicitSpaceID pulls the explicit space-id signal off a request:
// header first, then cookie.
func explicitSpaceID(r *http.Request) string {
	if id := r.Header.Get(CurrentSpaceHeader); id != "" {
		return id
	}
	if cookie, err := r.Cookie(CurrentSpaceCookie); err == nil {
		return cookie.Value
	}
	return ""
}
