package app

import (
	"net/http"

	"aimable/api/internal/rbac"
)

// routeSpaces dispatches everything under /api/spaces. Returns false
// when the path is not a spaces route.
func (s *HTTPServer) routeSpaces(w http.ResponseWriter, r *http.Request, session Session) bool {
	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" || parts[1] != "spaces" {
		return false
	}
	parts = parts[2:]

	switch {
	case len(parts) == 0:
		s.handleSpacesCollection(w, r, session)
	case len(parts) == 1 && parts[0] == "current":
		s.handleCurrentSpace(w, r, session)
	case len(parts) == 2 && parts[0] == "invites" && parts[1] == "accept":
		s.handleAcceptInvite(w, r, session)
	case len(parts) == 1:
		s.handleSpace(w, r, session, parts[0])
	case len(parts) == 2 && parts[1] == "archive":
		s.handleArchive(w, r, session, parts[0])
	case len(parts) == 2 && parts[1] == "unarchive":
		s.handleUnarchive(w, r, session, parts[0])
	case len(parts) == 2 && parts[1] == "members":
		s.handleMembersCollection(w, r, session, parts[0])
	case len(parts) == 3 && parts[1] == "members":
		s.handleMember(w, r, session, parts[0], parts[2])
	case len(parts) == 2 && parts[1] == "invites":
		s.handleInvitesCollection(w, r, session, parts[0])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	return true
}

func (s *HTTPServer) handleSpacesCollection(w http.ResponseWriter, r *http.Request, session Session) {
	switch r.Method {
	case http.MethodGet:
		spaces, err := s.service.ListSpaces(r.Context(), session)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"spaces": spaces})
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		space, err := s.service.CreateSpace(r.Context(), session, body.Name)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"space": space})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleCurrentSpace resolves the space the request is scoped to and
// returns it, or 400 when the user has no workspace at all.
func (s *HTTPServer) handleCurrentSpace(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	spaceID, err := s.service.ResolveCurrentSpace(r.Context(), session, explicitSpaceID(r))
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if spaceID == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "No workspace available", nil)
		return
	}
	space, err := s.service.GetSpace(r.Context(), session, spaceID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"space": space})
}

func (s *HTTPServer) handleSpace(w http.ResponseWriter, r *http.Request, session Session, spaceID string) {
	switch r.Method {
	case http.MethodGet:
		space, err := s.service.GetSpace(r.Context(), session, spaceID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"space": space})
	case http.MethodPatch:
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		space, err := s.service.UpdateSpace(r.Context(), session, spaceID, body.Name)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"space": space})
	case http.MethodDelete:
		if err := s.service.DeleteSpaceHard(r.Context(), session, spaceID); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleArchive(w http.ResponseWriter, r *http.Request, session Session, spaceID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	space, err := s.service.ArchiveSpace(r.Context(), session, spaceID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"space": space, "message": "Workspace archived successfully"})
}

func (s *HTTPServer) handleUnarchive(w http.ResponseWriter, r *http.Request, session Session, spaceID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	space, err := s.service.UnarchiveSpace(r.Context(), session, spaceID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"space": space, "message": "Workspace restored successfully"})
}

func (s *HTTPServer) handleMembersCollection(w http.ResponseWriter, r *http.Request, session Session, spaceID string) {
	switch r.Method {
	case http.MethodGet:
		members, err := s.service.ListSpaceMembers(r.Context(), session, spaceID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"members": members})
	case http.MethodPost:
		var body struct {
			UserID string `json:"userId"`
			Role   string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		member, err := s.service.AddSpaceMember(r.Context(), session, spaceID, body.UserID, rbac.SpaceRole(body.Role))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"member": member})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleMember(w http.ResponseWriter, r *http.Request, session Session, spaceID, userID string) {
	switch r.Method {
	case http.MethodPatch:
		var body struct {
			Role string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		member, err := s.service.UpdateSpaceMember(r.Context(), session, spaceID, userID, rbac.SpaceRole(body.Role))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"member": member})
	case http.MethodDelete:
		if err := s.service.RemoveSpaceMember(r.Context(), session, spaceID, userID); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleInvitesCollection(w http.ResponseWriter, r *http.Request, session Session, spaceID string) {
	switch r.Method {
	case http.MethodGet:
		invites, err := s.service.ListSpaceInvites(r.Context(), session, spaceID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"invites": invites})
	case http.MethodPost:
		var body struct {
			Email string `json:"email"`
			Role  string `json:"role"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		invite, err := s.service.CreateSpaceInvite(r.Context(), session, spaceID, body.Email, rbac.SpaceRole(body.Role))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"invite": invite})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAcceptInvite(w http.ResponseWriter, r *http.Request, session Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	member, err := s.service.AcceptInvite(r.Context(), session, body.Token)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

// routeAdmin dispatches /api/admin/users. Returns false when the path
// is not an admin route.
func (s *HTTPServer) routeAdmin(w http.ResponseWriter, r *http.Request, session Session) bool {
	if r.URL.Path != "/api/admin/users" {
		return false
	}
	switch r.Method {
	case http.MethodGet:
		users, err := s.service.ListUsers(r.Context(), session)
		if err != nil {
			s.writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var body struct {
			Email       string   `json:"email"`
			Password    string   `json:"password"`
			DisplayName string   `json:"displayName"`
			Roles       []string `json:"roles"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		user, err := s.service.CreateAdminUser(r.Context(), session, body.Email, body.Password, body.DisplayName, body.Roles)
		if err != nil {
			s.writeMappedError(w, err)
			return true
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
	return true
}
