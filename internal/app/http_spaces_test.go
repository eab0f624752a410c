package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aimable/api/internal/store"

	"github.com/rs/zerolog"
)

type httpHarness struct {
	t       *testing.T
	ms      *memStore
	svc     *Service
	handler http.Handler
}

func newHTTPHarness(t *testing.T) *httpHarness {
	t.Helper()
	ms := newMemStore()
	svc := newTestService(ms)
	svc.cfg.CronSecret = "cron-secret"
	server := NewHTTPServer(svc, "*", zerolog.Nop())
	return &httpHarness{t: t, ms: ms, svc: svc, handler: server.Handler()}
}

func (h *httpHarness) signUp(email, name string) Session {
	h.t.Helper()
	session, err := h.svc.SignUp(h.t.Context(), email, "password123", name)
	if err != nil {
		h.t.Fatalf("SignUp(%s) error = %v", email, err)
	}
	return session
}

func (h *httpHarness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, r)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return payload
}

func TestSpacesRequireSession(t *testing.T) {
	h := newHTTPHarness(t)
	if w := h.do(http.MethodGet, "/api/spaces", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateAndListSpaces(t *testing.T) {
	h := newHTTPHarness(t)
	session := h.signUp("ada@example.com", "Ada")

	w := h.do(http.MethodPost, "/api/spaces", session.Token, map[string]any{"name": "Research"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	space := decodeResponse(t, w)["space"].(map[string]any)
	if space["name"] != "Research" || space["status"] != "active" {
		t.Fatalf("unexpected space payload: %v", space)
	}

	// Missing name is a validation failure.
	if w := h.do(http.MethodPost, "/api/spaces", session.Token, map[string]any{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	w = h.do(http.MethodGet, "/api/spaces", session.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	spaces := decodeResponse(t, w)["spaces"].([]any)
	// Personal space from sign-up plus the created one.
	if len(spaces) != 2 {
		t.Fatalf("expected 2 spaces, got %d", len(spaces))
	}
}

func TestArchivedSpaceBlocksWritesUntilRestored(t *testing.T) {
	h := newHTTPHarness(t)
	session := h.signUp("ada@example.com", "Ada")

	w := h.do(http.MethodPost, "/api/spaces", session.Token, map[string]any{"name": "Project"})
	space := decodeResponse(t, w)["space"].(map[string]any)
	spaceID := space["id"].(string)

	w = h.do(http.MethodPost, "/api/spaces/"+spaceID+"/archive", session.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Writes on an archived space return 423.
	w = h.do(http.MethodPatch, "/api/spaces/"+spaceID, session.Token, map[string]any{"name": "Renamed"})
	if w.Code != http.StatusLocked {
		t.Fatalf("patch archived: expected 423, got %d", w.Code)
	}
	if decodeResponse(t, w)["code"] != "WORKSPACE_ARCHIVED" {
		t.Fatalf("unexpected error payload: %s", w.Body.String())
	}

	// Double archive is a state-guard violation.
	w = h.do(http.MethodPost, "/api/spaces/"+spaceID+"/archive", session.Token, nil)
	if w.Code != http.StatusBadRequest || decodeResponse(t, w)["code"] != "ALREADY_ARCHIVED" {
		t.Fatalf("double archive: expected 400 ALREADY_ARCHIVED, got %d %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodPost, "/api/spaces/"+spaceID+"/unarchive", session.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unarchive: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodPatch, "/api/spaces/"+spaceID, session.Token, map[string]any{"name": "Renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch restored: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if decodeResponse(t, w)["space"].(map[string]any)["name"] != "Renamed" {
		t.Fatalf("expected rename to land: %s", w.Body.String())
	}
}

func TestUnarchivePastRetentionReturns400(t *testing.T) {
	h := newHTTPHarness(t)
	session := h.signUp("ada@example.com", "Ada")

	w := h.do(http.MethodPost, "/api/spaces", session.Token, map[string]any{"name": "Old"})
	spaceID := decodeResponse(t, w)["space"].(map[string]any)["id"].(string)
	archiveAt(h.ms, spaceID, time.Now().Add(-31*24*time.Hour))

	w = h.do(http.MethodPost, "/api/spaces/"+spaceID+"/unarchive", session.Token, nil)
	if w.Code != http.StatusBadRequest || decodeResponse(t, w)["code"] != "RETENTION_EXPIRED" {
		t.Fatalf("expected 400 RETENTION_EXPIRED, got %d %s", w.Code, w.Body.String())
	}
}

func TestGetSpaceStatusCodes(t *testing.T) {
	h := newHTTPHarness(t)
	owner := h.signUp("ada@example.com", "Ada")
	outsider := h.signUp("bob@example.com", "Bob")

	w := h.do(http.MethodPost, "/api/spaces", owner.Token, map[string]any{"name": "Private"})
	spaceID := decodeResponse(t, w)["space"].(map[string]any)["id"].(string)

	if w := h.do(http.MethodGet, "/api/spaces/"+spaceID, owner.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("member get: expected 200, got %d", w.Code)
	}
	// Non-members cannot distinguish a hidden space from a missing one.
	if w := h.do(http.MethodGet, "/api/spaces/"+spaceID, outsider.Token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("outsider get: expected 404, got %d", w.Code)
	}
	if w := h.do(http.MethodGet, "/api/spaces/sp_missing", owner.Token, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing get: expected 404, got %d", w.Code)
	}

	h.ms.mu.Lock()
	s2 := h.ms.spaces[spaceID]
	now := time.Now()
	s2.Status = store.StatusDeleted
	s2.DeletedAt = &now
	h.ms.spaces[spaceID] = s2
	h.ms.mu.Unlock()

	w = h.do(http.MethodPatch, "/api/spaces/"+spaceID, owner.Token, map[string]any{"name": "X"})
	if w.Code != http.StatusGone {
		t.Fatalf("patch deleted: expected 410, got %d", w.Code)
	}
}

func TestMemberRoutes(t *testing.T) {
	h := newHTTPHarness(t)
	owner := h.signUp("ada@example.com", "Ada")
	member := h.signUp("bob@example.com", "Bob")

	w := h.do(http.MethodPost, "/api/spaces", owner.Token, map[string]any{"name": "Team"})
	spaceID := decodeResponse(t, w)["space"].(map[string]any)["id"].(string)

	w = h.do(http.MethodPost, fmt.Sprintf("/api/spaces/%s/members", spaceID), owner.Token,
		map[string]any{"userId": member.UserID, "role": "auditor"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add member: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Auditors cannot manage members.
	w = h.do(http.MethodPost, fmt.Sprintf("/api/spaces/%s/members", spaceID), member.Token,
		map[string]any{"userId": member.UserID, "role": "admin"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("auditor add: expected 403, got %d", w.Code)
	}

	w = h.do(http.MethodPatch, fmt.Sprintf("/api/spaces/%s/members/%s", spaceID, member.UserID), owner.Token,
		map[string]any{"role": "curator"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch member: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = h.do(http.MethodGet, fmt.Sprintf("/api/spaces/%s/members", spaceID), owner.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list members: expected 200, got %d", w.Code)
	}
	members := decodeResponse(t, w)["members"].([]any)
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(members))
	}

	w = h.do(http.MethodDelete, fmt.Sprintf("/api/spaces/%s/members/%s", spaceID, member.UserID), owner.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("remove member: expected 200, got %d", w.Code)
	}
}

func TestInviteRoutes(t *testing.T) {
	h := newHTTPHarness(t)
	owner := h.signUp("ada@example.com", "Ada")
	invitee := h.signUp("bob@example.com", "Bob")

	w := h.do(http.MethodPost, "/api/spaces", owner.Token, map[string]any{"name": "Team"})
	spaceID := decodeResponse(t, w)["space"].(map[string]any)["id"].(string)

	w = h.do(http.MethodPost, fmt.Sprintf("/api/spaces/%s/invites", spaceID), owner.Token,
		map[string]any{"email": "bob@example.com", "role": "user"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create invite: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	token := decodeResponse(t, w)["invite"].(map[string]any)["token"].(string)

	w = h.do(http.MethodPost, "/api/spaces/invites/accept", invitee.Token, map[string]any{"token": token})
	if w.Code != http.StatusOK {
		t.Fatalf("accept invite: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Second accept of the same token fails: single-use.
	w = h.do(http.MethodPost, "/api/spaces/invites/accept", invitee.Token, map[string]any{"token": token})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("reused token: expected 400, got %d", w.Code)
	}
}

func TestCronCleanupEndpoint(t *testing.T) {
	h := newHTTPHarness(t)
	session := h.signUp("ada@example.com", "Ada")

	w := h.do(http.MethodPost, "/api/spaces", session.Token, map[string]any{"name": "Old"})
	spaceID := decodeResponse(t, w)["space"].(map[string]any)["id"].(string)
	archiveAt(h.ms, spaceID, time.Now().Add(-45*24*time.Hour))

	// Bad secret.
	if w := h.do(http.MethodPost, "/api/cron/cleanup-spaces", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad secret: expected 401, got %d", w.Code)
	}

	w = h.do(http.MethodPost, "/api/cron/cleanup-spaces", "cron-secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cleanup: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	payload := decodeResponse(t, w)
	if payload["processed"].(float64) != 1 || payload["errors"].(float64) != 0 || payload["success"] != true {
		t.Fatalf("unexpected cleanup payload: %v", payload)
	}

	space, _ := h.ms.GetSpaceByID(t.Context(), spaceID)
	if space.Status != store.StatusDeleted {
		t.Fatalf("expected tombstoned space, got %s", space.Status)
	}
}

func TestPostLoginRedirect(t *testing.T) {
	h := newHTTPHarness(t)
	session := h.signUp("ada@example.com", "Ada")

	w := h.do(http.MethodGet, "/api/auth/post-login-redirect", session.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	spaceID := decodeResponse(t, w)["spaceId"].(string)
	personal, err := h.ms.GetPersonalSpaceForUser(t.Context(), session.UserID)
	if err != nil {
		t.Fatalf("GetPersonalSpaceForUser() error = %v", err)
	}
	if spaceID != personal.ID {
		t.Fatalf("expected personal space %s, got %s", personal.ID, spaceID)
	}

	cookies := w.Result().Cookies()
	found := false
	for _, cookie := range cookies {
		if cookie.Name == CurrentSpaceCookie && cookie.Value == spaceID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s cookie, got %v", CurrentSpaceCookie, cookies)
	}
}

func TestCurrentSpaceEndpoint(t *testing.T) {
	h := newHTTPHarness(t)
	session := h.signUp("ada@example.com", "Ada")
	personal, err := h.ms.GetPersonalSpaceForUser(t.Context(), session.UserID)
	if err != nil {
		t.Fatalf("GetPersonalSpaceForUser() error = %v", err)
	}

	w := h.do(http.MethodGet, "/api/spaces/current", session.Token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	space := decodeResponse(t, w)["space"].(map[string]any)
	if space["id"] != personal.ID {
		t.Fatalf("expected personal space %s, got %v", personal.ID, space["id"])
	}

	// Explicit header pointing at a membership space wins.
	r := httptest.NewRequest(http.MethodGet, "/api/spaces/current", nil)
	r.Header.Set("Authorization", "Bearer "+session.Token)
	r.Header.Set(CurrentSpaceHeader, personal.ID)
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with header, got %d", rec.Code)
	}
}

func TestAdminUserRoutes(t *testing.T) {
	h := newHTTPHarness(t)
	plain := h.signUp("ada@example.com", "Ada")

	admin := seedUser(t, h.ms, "admin-1", "root@example.com", "admin")
	adminSession, err := h.svc.issueSession(t.Context(), admin)
	if err != nil {
		t.Fatalf("issueSession() error = %v", err)
	}

	if w := h.do(http.MethodPost, "/api/admin/users", plain.Token, map[string]any{
		"email": "x@example.com", "password": "password123", "displayName": "X",
	}); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin create: expected 403, got %d", w.Code)
	}

	w := h.do(http.MethodPost, "/api/admin/users", adminSession.Token, map[string]any{
		"email": "x@example.com", "password": "password123", "displayName": "X", "roles": []string{"user"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("admin create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	userID := decodeResponse(t, w)["user"].(map[string]any)["id"].(string)
	if _, err := h.ms.GetPersonalSpaceForUser(t.Context(), userID); err != nil {
		t.Fatalf("expected provisioned personal space, got %v", err)
	}

	if w := h.do(http.MethodGet, "/api/admin/users", adminSession.Token, nil); w.Code != http.StatusOK {
		t.Fatalf("admin list: expected 200, got %d", w.Code)
	}
}

func TestHealthAndSessionEndpoints(t *testing.T) {
	h := newHTTPHarness(t)

	if w := h.do(http.MethodGet, "/api/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", w.Code)
	}

	w := h.do(http.MethodGet, "/api/session", "", nil)
	if w.Code != http.StatusOK || decodeResponse(t, w)["authenticated"] != false {
		t.Fatalf("anonymous session: unexpected %d %s", w.Code, w.Body.String())
	}

	session := h.signUp("ada@example.com", "Ada")
	w = h.do(http.MethodGet, "/api/session", session.Token, nil)
	payload := decodeResponse(t, w)
	if payload["authenticated"] != true || payload["userId"] != session.UserID {
		t.Fatalf("unexpected session payload: %v", payload)
	}

	w = h.do(http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": session.RefreshToken})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", w.Code)
	}
	w = h.do(http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": session.RefreshToken})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("reused refresh: expected 401, got %d", w.Code)
	}
}
