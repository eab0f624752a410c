package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"aimable/api/internal/auth"
	"aimable/api/internal/authpw"
	"aimable/api/internal/config"
	"aimable/api/internal/rbac"
	"aimable/api/internal/store"
	"aimable/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Roles        rbac.GlobalRoles
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the slice of the postgres store the service uses.
type dataStore interface {
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	CreateSpace(context.Context, store.Space) (store.Space, error)
	GetSpaceByID(context.Context, string) (store.Space, error)
	UpdateSpaceName(context.Context, string, string) (store.Space, error)
	DeleteSpace(context.Context, string) error
	ListSpaces(context.Context) ([]store.Space, error)
	ListSpacesForUser(context.Context, string) ([]store.Space, error)
	GetPersonalSpaceForUser(context.Context, string) (store.Space, error)
	CreatePersonalSpace(context.Context, string, string) (store.Space, error)
	ArchiveSpace(context.Context, string, string) (store.Space, error)
	UnarchiveSpace(context.Context, string) (store.Space, error)
	TombstoneSpace(context.Context, string, string) (store.Space, error)
	ListArchivedSpaces(context.Context) ([]store.Space, error)
	GetSpacesForCleanup(context.Context, time.Time) ([]store.Space, error)

	UpsertMember(context.Context, string, string, string) (store.SpaceMember, error)
	GetMember(context.Context, string, string) (store.SpaceMember, error)
	ListMembers(context.Context, string) ([]store.SpaceMemberDetail, error)
	RemoveMember(context.Context, string, string) error

	CreateInvite(context.Context, store.SpaceInvite) (store.SpaceInvite, error)
	ListInvites(context.Context, string) ([]store.SpaceInvite, error)
	GetInviteByToken(context.Context, string) (store.SpaceInvite, error)
	DeleteInviteByID(context.Context, string) error
	RedeemInvite(context.Context, string, string) (store.SpaceMember, error)
}

// SessionStore holds refresh tokens; backed by Redis when configured,
// else postgres.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PostgresSessionStore adapts the postgres store to the SessionStore
// interface used for refresh tokens.
type PostgresSessionStore struct {
	store *store.PostgresStore
}

func NewPostgresSessionStore(s *store.PostgresStore) *PostgresSessionStore {
	return &PostgresSessionStore{store: s}
}

func (p *PostgresSessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p *PostgresSessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.store.LookupRefreshSession(ctx, tokenHash)
}

func (p *PostgresSessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.store.RevokeRefreshSession(ctx, tokenHash)
}

// InviteMailer delivers workspace invitation emails.
type InviteMailer interface {
	IsConfigured() bool
	SendSpaceInviteEmail(to, inviterName, spaceName, role, inviteURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	authSvc  *authpw.Service
	db       pinger
	mailer   InviteMailer
	logger   zerolog.Logger
}

type pinger interface {
	PingContext(ctx context.Context) error
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, mailer InviteMailer, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		authSvc:  authpw.NewService(dataStore),
		db:       dataStore.DB(),
		mailer:   mailer,
		logger:   logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// SignUp registers a user, provisions their personal space, and issues a
// session.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (Session, error) {
	user, err := s.authSvc.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
	})
	if errors.Is(err, authpw.ErrEmailTaken) {
		return Session{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if err != nil {
		return Session{}, domainError(http.StatusBadRequest, "SIGNUP_FAILED", err.Error(), nil)
	}

	if _, err := s.GetOrCreatePersonalSpace(ctx, user.ID); err != nil {
		// The account exists; the personal space will be provisioned on
		// next login via the redirect path.
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("personal space provisioning failed at signup")
	}

	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.authSvc.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	if err != nil {
		return Session{}, domainError(http.StatusBadRequest, "SIGNIN_FAILED", err.Error(), nil)
	}
	return s.issueSession(ctx, user)
}

// CreateAdminUser creates an account on behalf of a global admin and
// provisions the new user's personal space.
func (s *Service) CreateAdminUser(ctx context.Context, session Session, email, password, displayName string, roles []string) (store.User, error) {
	if !session.Roles.IsAdmin() {
		return store.User{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}

	normalized := rbac.NormalizeGlobal(roles)
	roleStrings := make([]string, 0, len(normalized))
	for _, role := range normalized {
		roleStrings = append(roleStrings, string(role))
	}

	user, err := s.authSvc.SignUp(ctx, authpw.SignUpRequest{
		Email:       email,
		Password:    password,
		DisplayName: displayName,
		Roles:       roleStrings,
	})
	if errors.Is(err, authpw.ErrEmailTaken) {
		return store.User{}, domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	}
	if err != nil {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	}

	if _, err := s.GetOrCreatePersonalSpace(ctx, user.ID); err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("personal space provisioning failed at admin create")
	}
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context, session Session) ([]store.User, error) {
	if !session.Roles.IsAdmin() {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.store.ListUsers(ctx)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Roles: user.Roles,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Roles:        rbac.NormalizeGlobal(user.Roles),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, fmt.Errorf("session user lookup: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Roles:     rbac.NormalizeGlobal(user.Roles),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// CronSecret returns the shared secret guarding the cron surface.
func (s *Service) CronSecret() string {
	return s.cfg.CronSecret
}
