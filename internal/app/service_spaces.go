package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"aimable/api/internal/rbac"
	"aimable/api/internal/store"
	"aimable/api/internal/util"
)

// Tagged errors for the space lifecycle. Status codes are part of the
// API contract.
func errSpaceNotFound() *DomainError {
	return domainError(http.StatusNotFound, "WORKSPACE_NOT_FOUND", "Workspace not found", nil)
}

func errSpaceArchived() *DomainError {
	return domainError(http.StatusLocked, "WORKSPACE_ARCHIVED", "Workspace is archived and read-only", nil)
}

func errSpaceDeleted() *DomainError {
	return domainError(http.StatusGone, "WORKSPACE_DELETED", "Workspace has been deleted", nil)
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

// GetUserSpaceRole returns the caller's effective role in a space. The
// global-admin bypass is checked first and skips the membership lookup
// entirely; otherwise the membership row decides. The second return is
// false when the user has no role in the space.
func (s *Service) GetUserSpaceRole(ctx context.Context, userID, spaceID string, globalRoles rbac.GlobalRoles) (rbac.SpaceRole, bool, error) {
	if globalRoles.IsAdmin() {
		return rbac.RoleOwner, true, nil
	}
	member, err := s.store.GetMember(ctx, spaceID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return rbac.SpaceRole(member.Role), true, nil
}

// RequireSpaceRole reports whether the caller holds one of the allowed
// roles in the space.
func (s *Service) RequireSpaceRole(ctx context.Context, userID, spaceID string, globalRoles rbac.GlobalRoles, allowed []rbac.SpaceRole) (bool, error) {
	role, ok, err := s.GetUserSpaceRole(ctx, userID, spaceID, globalRoles)
	if err != nil || !ok {
		return false, err
	}
	return rbac.In(role, allowed), nil
}

// RequireActiveSpace is the single gate in front of every mutating
// operation on a space: it rejects missing, archived, and deleted spaces
// with their taxonomy codes and returns the space otherwise.
func (s *Service) RequireActiveSpace(ctx context.Context, spaceID string) (store.Space, error) {
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	if err != nil {
		return store.Space{}, err
	}
	switch space.Status {
	case store.StatusArchived:
		return store.Space{}, errSpaceArchived()
	case store.StatusDeleted:
		return store.Space{}, errSpaceDeleted()
	}
	return space, nil
}

func (s *Service) CanArchiveSpace(ctx context.Context, userID, spaceID string, globalRoles rbac.GlobalRoles) (bool, error) {
	return s.RequireSpaceRole(ctx, userID, spaceID, globalRoles, rbac.ArchiveRoles)
}

// CanUnarchiveSpace requires the archive role set AND an unexpired
// retention window. Both must hold.
func (s *Service) CanUnarchiveSpace(ctx context.Context, userID, spaceID string, globalRoles rbac.GlobalRoles) (bool, error) {
	ok, err := s.RequireSpaceRole(ctx, userID, spaceID, globalRoles, rbac.ArchiveRoles)
	if err != nil || !ok {
		return false, err
	}
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if err != nil {
		return false, err
	}
	return s.IsWithinRetentionPeriod(space), nil
}

// PersonalSpaceAccess describes what a caller may do in a personal
// space.
type PersonalSpaceAccess struct {
	CanAccess  bool `json:"canAccess"`
	IsReadOnly bool `json:"isReadOnly"`
}

// CanAccessPersonalSpace applies the personal-space visibility rules:
// the owner gets read-write, any other member (explicitly invited) gets
// read-only, everyone else gets nothing. Non-personal spaces defer to
// the normal role rules.
func (s *Service) CanAccessPersonalSpace(ctx context.Context, space store.Space, userID string) (PersonalSpaceAccess, error) {
	if !space.IsPersonal {
		return PersonalSpaceAccess{CanAccess: true}, nil
	}
	member, err := s.store.GetMember(ctx, space.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return PersonalSpaceAccess{}, nil
	}
	if err != nil {
		return PersonalSpaceAccess{}, err
	}
	if rbac.SpaceRole(member.Role) == rbac.RoleOwner {
		return PersonalSpaceAccess{CanAccess: true}, nil
	}
	return PersonalSpaceAccess{CanAccess: true, IsReadOnly: true}, nil
}

// CanModifyPersonalSpace restricts personal-space mutation to the owner
// member; non-personal spaces always pass.
func (s *Service) CanModifyPersonalSpace(ctx context.Context, space store.Space, userID string) (bool, error) {
	if !space.IsPersonal {
		return true, nil
	}
	member, err := s.store.GetMember(ctx, space.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rbac.SpaceRole(member.Role) == rbac.RoleOwner, nil
}

// IsWithinRetentionPeriod reports whether an archived space can still be
// restored. A space with no archival timestamp is not restorable.
func (s *Service) IsWithinRetentionPeriod(space store.Space) bool {
	if space.ArchivedAt == nil {
		return false
	}
	cutoff := time.Now().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	return space.ArchivedAt.After(cutoff)
}

// --- CRUD ---

func (s *Service) ListSpaces(ctx context.Context, session Session) ([]store.Space, error) {
	if session.Roles.IsAdmin() {
		return s.store.ListSpaces(ctx)
	}
	return s.store.ListSpacesForUser(ctx, session.UserID)
}

func (s *Service) CreateSpace(ctx context.Context, session Session, name string) (store.Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Space{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}

	space, err := s.store.CreateSpace(ctx, store.Space{
		ID:   util.NewID("sp"),
		Name: name,
	})
	if err != nil {
		return store.Space{}, err
	}
	if _, err := s.store.UpsertMember(ctx, space.ID, session.UserID, string(rbac.RoleOwner)); err != nil {
		return store.Space{}, err
	}
	return space, nil
}

// GetSpace hides existence from non-members: absent space and no-role
// caller both read as not found.
func (s *Service) GetSpace(ctx context.Context, session Session, spaceID string) (store.Space, error) {
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	if err != nil {
		return store.Space{}, err
	}
	_, ok, err := s.GetUserSpaceRole(ctx, session.UserID, spaceID, session.Roles)
	if err != nil {
		return store.Space{}, err
	}
	if !ok {
		return store.Space{}, errSpaceNotFound()
	}
	if space.IsPersonal {
		access, err := s.CanAccessPersonalSpace(ctx, space, session.UserID)
		if err != nil {
			return store.Space{}, err
		}
		if !access.CanAccess && !session.Roles.IsAdmin() {
			return store.Space{}, errSpaceNotFound()
		}
	}
	return space, nil
}

func (s *Service) UpdateSpace(ctx context.Context, session Session, spaceID, name string) (store.Space, error) {
	space, err := s.RequireActiveSpace(ctx, spaceID)
	if err != nil {
		return store.Space{}, err
	}
	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, rbac.ManageRoles)
	if err != nil {
		return store.Space{}, err
	}
	if !ok {
		return store.Space{}, errForbidden()
	}
	canModify, err := s.CanModifyPersonalSpace(ctx, space, session.UserID)
	if err != nil {
		return store.Space{}, err
	}
	if !canModify && !session.Roles.IsAdmin() {
		return store.Space{}, errForbidden()
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return store.Space{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name is required", nil)
	}
	updated, err := s.store.UpdateSpaceName(ctx, spaceID, name)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	return updated, err
}

// DeleteSpaceHard removes a space immediately, bypassing the archive
// stage. Owner only, and never for personal spaces.
func (s *Service) DeleteSpaceHard(ctx context.Context, session Session, spaceID string) error {
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return errSpaceNotFound()
	}
	if err != nil {
		return err
	}
	if space.IsPersonal {
		return domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Personal workspaces cannot be deleted", nil)
	}
	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, []rbac.SpaceRole{rbac.RoleOwner})
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden()
	}
	if err := s.store.DeleteSpace(ctx, spaceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errSpaceNotFound()
		}
		return err
	}
	s.logger.Info().Str("space_id", spaceID).Str("actor", session.UserID).Msg("space hard-deleted")
	return nil
}

// --- lifecycle transitions ---

func (s *Service) ArchiveSpace(ctx context.Context, session Session, spaceID string) (store.Space, error) {
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	if err != nil {
		return store.Space{}, err
	}

	ok, err := s.CanArchiveSpace(ctx, session.UserID, spaceID, session.Roles)
	if err != nil {
		return store.Space{}, err
	}
	if !ok {
		return store.Space{}, errForbidden()
	}

	switch space.Status {
	case store.StatusArchived:
		return store.Space{}, domainError(http.StatusBadRequest, "ALREADY_ARCHIVED", "Workspace is already archived", nil)
	case store.StatusDeleted:
		return store.Space{}, domainError(http.StatusBadRequest, "ALREADY_DELETED", "Workspace has already been deleted", nil)
	}

	archived, err := s.store.ArchiveSpace(ctx, spaceID, session.UserID)
	if errors.Is(err, store.ErrStatusConflict) {
		return store.Space{}, domainError(http.StatusBadRequest, "ALREADY_ARCHIVED", "Workspace is already archived", nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	if err != nil {
		return store.Space{}, err
	}
	s.logger.Info().Str("space_id", spaceID).Str("actor", session.UserID).Msg("space archived")
	return archived, nil
}

func (s *Service) UnarchiveSpace(ctx context.Context, session Session, spaceID string) (store.Space, error) {
	space, err := s.store.GetSpaceByID(ctx, spaceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	if err != nil {
		return store.Space{}, err
	}

	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, rbac.ArchiveRoles)
	if err != nil {
		return store.Space{}, err
	}
	if !ok {
		return store.Space{}, errForbidden()
	}

	if space.Status != store.StatusArchived {
		if space.Status == store.StatusDeleted {
			return store.Space{}, domainError(http.StatusBadRequest, "ALREADY_DELETED", "Workspace has already been deleted", nil)
		}
		return store.Space{}, domainError(http.StatusBadRequest, "NOT_ARCHIVED", "Workspace is not archived", nil)
	}
	if !s.IsWithinRetentionPeriod(space) {
		return store.Space{}, domainError(http.StatusBadRequest, "RETENTION_EXPIRED", "Cannot restore: retention period expired", nil)
	}

	restored, err := s.store.UnarchiveSpace(ctx, spaceID)
	if errors.Is(err, store.ErrStatusConflict) {
		return store.Space{}, domainError(http.StatusBadRequest, "NOT_ARCHIVED", "Workspace is not archived", nil)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Space{}, errSpaceNotFound()
	}
	if err != nil {
		return store.Space{}, err
	}
	s.logger.Info().Str("space_id", spaceID).Str("actor", session.UserID).Msg("space restored")
	return restored, nil
}

// --- members ---

func (s *Service) ListSpaceMembers(ctx context.Context, session Session, spaceID string) ([]store.SpaceMemberDetail, error) {
	if _, err := s.GetSpace(ctx, session, spaceID); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, spaceID)
}

func (s *Service) AddSpaceMember(ctx context.Context, session Session, spaceID, userID string, role rbac.SpaceRole) (store.SpaceMember, error) {
	if _, err := s.RequireActiveSpace(ctx, spaceID); err != nil {
		return store.SpaceMember{}, err
	}
	return s.upsertMemberChecked(ctx, session, spaceID, userID, role)
}

// UpdateSpaceMember changes an existing member's role. Unlike adding, it
// does not require the space to be active.
func (s *Service) UpdateSpaceMember(ctx context.Context, session Session, spaceID, userID string, role rbac.SpaceRole) (store.SpaceMember, error) {
	if _, err := s.store.GetSpaceByID(ctx, spaceID); errors.Is(err, store.ErrNotFound) {
		return store.SpaceMember{}, errSpaceNotFound()
	} else if err != nil {
		return store.SpaceMember{}, err
	}
	if _, err := s.store.GetMember(ctx, spaceID, userID); errors.Is(err, store.ErrNotFound) {
		return store.SpaceMember{}, domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
	} else if err != nil {
		return store.SpaceMember{}, err
	}
	return s.upsertMemberChecked(ctx, session, spaceID, userID, role)
}

func (s *Service) upsertMemberChecked(ctx context.Context, session Session, spaceID, userID string, role rbac.SpaceRole) (store.SpaceMember, error) {
	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, rbac.ManageRoles)
	if err != nil {
		return store.SpaceMember{}, err
	}
	if !ok {
		return store.SpaceMember{}, errForbidden()
	}
	if !rbac.ValidSpaceRole(role) {
		return store.SpaceMember{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid role", nil)
	}
	if _, err := s.store.GetUserByID(ctx, userID); errors.Is(err, store.ErrNotFound) {
		return store.SpaceMember{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
	} else if err != nil {
		return store.SpaceMember{}, err
	}
	return s.store.UpsertMember(ctx, spaceID, userID, string(role))
}

func (s *Service) RemoveSpaceMember(ctx context.Context, session Session, spaceID, userID string) error {
	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, rbac.ManageRoles)
	if err != nil {
		return err
	}
	if !ok {
		return errForbidden()
	}
	err = s.store.RemoveMember(ctx, spaceID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Member not found", nil)
	}
	return err
}

// --- invites ---

func (s *Service) ListSpaceInvites(ctx context.Context, session Session, spaceID string) ([]store.SpaceInvite, error) {
	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, rbac.ManageRoles)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errForbidden()
	}
	return s.store.ListInvites(ctx, spaceID)
}

func (s *Service) CreateSpaceInvite(ctx context.Context, session Session, spaceID, email string, role rbac.SpaceRole) (store.SpaceInvite, error) {
	space, err := s.RequireActiveSpace(ctx, spaceID)
	if err != nil {
		return store.SpaceInvite{}, err
	}
	ok, err := s.RequireSpaceRole(ctx, session.UserID, spaceID, session.Roles, rbac.ManageRoles)
	if err != nil {
		return store.SpaceInvite{}, err
	}
	if !ok {
		return store.SpaceInvite{}, errForbidden()
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return store.SpaceInvite{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "email is required", nil)
	}
	if !rbac.ValidInviteRole(role) {
		return store.SpaceInvite{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "invalid invite role", nil)
	}

	invite, err := s.store.CreateInvite(ctx, store.SpaceInvite{
		ID:        util.NewID("inv"),
		SpaceID:   spaceID,
		Email:     email,
		Role:      string(role),
		Token:     util.NewInviteToken(),
		ExpiresAt: time.Now().Add(s.cfg.InviteTTL),
	})
	if errors.Is(err, store.ErrDuplicate) {
		return store.SpaceInvite{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "An invite for this email already exists", nil)
	}
	if err != nil {
		return store.SpaceInvite{}, err
	}

	// Mail delivery is best-effort: the invite works regardless.
	if s.mailer != nil && s.mailer.IsConfigured() {
		inviteURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/invites/accept?token=" + invite.Token
		if err := s.mailer.SendSpaceInviteEmail(email, session.UserName, space.Name, string(role), inviteURL); err != nil {
			s.logger.Warn().Err(err).Str("space_id", spaceID).Msg("invite email delivery failed")
		}
	}
	return invite, nil
}

// AcceptInvite redeems a token for the calling session's user. The
// invite row is consumed in the same transaction that grants the
// membership, so a token works exactly once.
func (s *Service) AcceptInvite(ctx context.Context, session Session, token string) (store.SpaceMember, error) {
	invalid := domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Invalid or expired invite token", nil)
	if strings.TrimSpace(token) == "" {
		return store.SpaceMember{}, invalid
	}

	invite, err := s.store.GetInviteByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.SpaceMember{}, invalid
	}
	if err != nil {
		return store.SpaceMember{}, err
	}
	if time.Now().After(invite.ExpiresAt) {
		_ = s.store.DeleteInviteByID(ctx, invite.ID)
		return store.SpaceMember{}, invalid
	}
	if !strings.EqualFold(invite.Email, session.Email) {
		return store.SpaceMember{}, invalid
	}
	if _, err := s.RequireActiveSpace(ctx, invite.SpaceID); err != nil {
		return store.SpaceMember{}, err
	}

	member, err := s.store.RedeemInvite(ctx, invite.ID, session.UserID)
	if errors.Is(err, store.ErrNotFound) {
		// Lost the race with a concurrent accept.
		return store.SpaceMember{}, invalid
	}
	return member, err
}

// --- personal space provisioning ---

// GetOrCreatePersonalSpace is idempotent: concurrent and repeated calls
// converge on a single personal space owned by the user.
func (s *Service) GetOrCreatePersonalSpace(ctx context.Context, userID string) (store.Space, error) {
	space, err := s.store.GetPersonalSpaceForUser(ctx, userID)
	if err == nil {
		return space, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Space{}, err
	}
	return s.store.CreatePersonalSpace(ctx, userID, "My Personal Space")
}

// GetRedirectSpaceForUser picks the space a fresh login lands in. The
// personal space always wins; the membership fallbacks only apply when
// provisioning itself fails.
func (s *Service) GetRedirectSpaceForUser(ctx context.Context, userID string) (string, error) {
	personal, err := s.GetOrCreatePersonalSpace(ctx, userID)
	if err == nil {
		return personal.ID, nil
	}
	s.logger.Warn().Err(err).Str("user_id", userID).Msg("personal space unavailable, falling back to memberships")

	spaces, err := s.store.ListSpacesForUser(ctx, userID)
	if err != nil {
		return "", err
	}
	for _, space := range spaces {
		if space.Status == store.StatusActive {
			return space.ID, nil
		}
	}
	return "", nil
}
