package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"aimable/api/internal/util"
)

// Sentinel errors returned by store operations. Callers branch on these
// instead of database/sql internals.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
	// ErrStatusConflict is returned by a guarded lifecycle update when the
	// row exists but is no longer in the expected status.
	ErrStatusConflict = errors.New("status conflict")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	rolesJSON, err := json.Marshal(user.Roles)
	if err != nil {
		return User{}, fmt.Errorf("encode roles: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, roles)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, rolesJSON).
		Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isPgError(err, pgerrcode.UniqueViolation) {
			return User{}, fmt.Errorf("insert user: %w", ErrDuplicate)
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

const userColumns = `id, display_name, email, password_hash, roles, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	var rolesJSON []byte
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &rolesJSON, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	if err := json.Unmarshal(rolesJSON, &user.Roles); err != nil {
		return User{}, fmt.Errorf("decode roles: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// --- refresh sessions / token revocation ---

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1 AND revoked_at IS NULL
	`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup refresh session: %w", err)
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// --- spaces ---

const spaceColumns = `id, name, is_personal, status, archived_at, archived_by, deleted_at, deleted_by, created_at, updated_at`

func scanSpace(row interface{ Scan(...any) error }) (Space, error) {
	var space Space
	err := row.Scan(
		&space.ID, &space.Name, &space.IsPersonal, &space.Status,
		&space.ArchivedAt, &space.ArchivedBy, &space.DeletedAt, &space.DeletedBy,
		&space.CreatedAt, &space.UpdatedAt,
	)
	return space, err
}

func (s *PostgresStore) CreateSpace(ctx context.Context, space Space) (Space, error) {
	created, err := scanSpace(s.db.QueryRowContext(ctx, `
		INSERT INTO spaces (id, name, is_personal)
		VALUES ($1, $2, $3)
		RETURNING `+spaceColumns+`
	`, space.ID, space.Name, space.IsPersonal))
	if err != nil {
		return Space{}, fmt.Errorf("insert space: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSpaceByID(ctx context.Context, spaceID string) (Space, error) {
	space, err := scanSpace(s.db.QueryRowContext(ctx, `SELECT `+spaceColumns+` FROM spaces WHERE id=$1`, spaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("lookup space: %w", err)
	}
	return space, nil
}

func (s *PostgresStore) UpdateSpaceName(ctx context.Context, spaceID, name string) (Space, error) {
	space, err := scanSpace(s.db.QueryRowContext(ctx, `
		UPDATE spaces SET name=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+spaceColumns+`
	`, spaceID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("update space: %w", err)
	}
	return space, nil
}

// DeleteSpace removes the row permanently. Memberships and invites go with
// it via cascade.
func (s *PostgresStore) DeleteSpace(ctx context.Context, spaceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM spaces WHERE id=$1`, spaceID)
	if err != nil {
		return fmt.Errorf("delete space: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSpaces(ctx context.Context) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spaceColumns+` FROM spaces
		WHERE status <> 'deleted'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	return collectSpaces(rows)
}

func (s *PostgresStore) ListSpacesForUser(ctx context.Context, userID string) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedSpaceColumns+`
		FROM spaces sp
		JOIN space_members m ON m.space_id = sp.id
		WHERE m.user_id = $1 AND sp.status <> 'deleted'
		ORDER BY sp.created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list spaces for user: %w", err)
	}
	return collectSpaces(rows)
}

const prefixedSpaceColumns = `sp.id, sp.name, sp.is_personal, sp.status, sp.archived_at, sp.archived_by, sp.deleted_at, sp.deleted_by, sp.created_at, sp.updated_at`

func collectSpaces(rows *sql.Rows) ([]Space, error) {
	defer rows.Close()
	spaces := []Space{}
	for rows.Next() {
		space, err := scanSpace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		spaces = append(spaces, space)
	}
	return spaces, rows.Err()
}

func (s *PostgresStore) GetPersonalSpaceForUser(ctx context.Context, userID string) (Space, error) {
	space, err := scanSpace(s.db.QueryRowContext(ctx, `
		SELECT `+prefixedSpaceColumns+`
		FROM spaces sp
		JOIN space_members m ON m.space_id = sp.id
		WHERE m.user_id = $1 AND sp.is_personal AND sp.status = 'active'
		ORDER BY sp.created_at
		LIMIT 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Space{}, ErrNotFound
	}
	if err != nil {
		return Space{}, fmt.Errorf("lookup personal space: %w", err)
	}
	return space, nil
}

// --- lifecycle writes ---

// updateSpaceStatus performs a status-guarded transition. When the guard
// does not match it distinguishes a missing row from a row in the wrong
// state so callers can surface the right taxonomy code.
func (s *PostgresStore) updateSpaceStatus(ctx context.Context, spaceID, fromStatus, query string, args ...any) (Space, error) {
	space, err := scanSpace(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return space, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Space{}, fmt.Errorf("transition space: %w", err)
	}
	var status string
	probe := s.db.QueryRowContext(ctx, `SELECT status FROM spaces WHERE id=$1`, spaceID).Scan(&status)
	if errors.Is(probe, sql.ErrNoRows) {
		return Space{}, ErrNotFound
	}
	if probe != nil {
		return Space{}, fmt.Errorf("probe space status: %w", probe)
	}
	return Space{ID: spaceID, Status: status}, fmt.Errorf("expected status %s, have %s: %w", fromStatus, status, ErrStatusConflict)
}

func (s *PostgresStore) ArchiveSpace(ctx context.Context, spaceID, actor string) (Space, error) {
	return s.updateSpaceStatus(ctx, spaceID, StatusActive, `
		UPDATE spaces
		SET status='archived', archived_at=NOW(), archived_by=$2, updated_at=NOW()
		WHERE id=$1 AND status='active'
		RETURNING `+spaceColumns+`
	`, spaceID, actor)
}

func (s *PostgresStore) UnarchiveSpace(ctx context.Context, spaceID string) (Space, error) {
	return s.updateSpaceStatus(ctx, spaceID, StatusArchived, `
		UPDATE spaces
		SET status='active', archived_at=NULL, archived_by=NULL, updated_at=NOW()
		WHERE id=$1 AND status='archived'
		RETURNING `+spaceColumns+`
	`, spaceID)
}

func (s *PostgresStore) TombstoneSpace(ctx context.Context, spaceID, actor string) (Space, error) {
	return s.updateSpaceStatus(ctx, spaceID, StatusArchived, `
		UPDATE spaces
		SET status='deleted', deleted_at=NOW(), deleted_by=$2, updated_at=NOW()
		WHERE id=$1 AND status='archived'
		RETURNING `+spaceColumns+`
	`, spaceID, actor)
}

func (s *PostgresStore) ListArchivedSpaces(ctx context.Context) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spaceColumns+` FROM spaces
		WHERE status = 'archived'
		ORDER BY archived_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list archived spaces: %w", err)
	}
	return collectSpaces(rows)
}

func (s *PostgresStore) GetSpacesForCleanup(ctx context.Context, cutoff time.Time) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+spaceColumns+` FROM spaces
		WHERE status = 'archived' AND archived_at IS NOT NULL AND archived_at < $1
		ORDER BY archived_at
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list cleanup candidates: %w", err)
	}
	return collectSpaces(rows)
}

// --- members ---

const memberColumns = `id, space_id, user_id, role, created_at`

func scanMember(row interface{ Scan(...any) error }) (SpaceMember, error) {
	var member SpaceMember
	err := row.Scan(&member.ID, &member.SpaceID, &member.UserID, &member.Role, &member.CreatedAt)
	return member, err
}

func (s *PostgresStore) UpsertMember(ctx context.Context, spaceID, userID, role string) (SpaceMember, error) {
	member, err := scanMember(s.db.QueryRowContext(ctx, `
		INSERT INTO space_members (id, space_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (space_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING `+memberColumns+`
	`, util.NewID("mem"), spaceID, userID, role))
	if err != nil {
		return SpaceMember{}, fmt.Errorf("upsert member: %w", err)
	}
	return member, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, spaceID, userID string) (SpaceMember, error) {
	member, err := scanMember(s.db.QueryRowContext(ctx, `
		SELECT `+memberColumns+` FROM space_members WHERE space_id=$1 AND user_id=$2
	`, spaceID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return SpaceMember{}, ErrNotFound
	}
	if err != nil {
		return SpaceMember{}, fmt.Errorf("lookup member: %w", err)
	}
	return member, nil
}

// SpaceMemberDetail carries the joined user identity for member listings.
type SpaceMemberDetail struct {
	SpaceMember
	UserName  string `json:"userName"`
	UserEmail string `json:"userEmail"`
}

func (s *PostgresStore) ListMembers(ctx context.Context, spaceID string) ([]SpaceMemberDetail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.space_id, m.user_id, m.role, m.created_at, u.display_name, u.email
		FROM space_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.space_id = $1
		ORDER BY m.created_at
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []SpaceMemberDetail{}
	for rows.Next() {
		var d SpaceMemberDetail
		if err := rows.Scan(&d.ID, &d.SpaceID, &d.UserID, &d.Role, &d.CreatedAt, &d.UserName, &d.UserEmail); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, d)
	}
	return members, rows.Err()
}

func (s *PostgresStore) RemoveMember(ctx context.Context, spaceID, userID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM space_members WHERE space_id=$1 AND user_id=$2
	`, spaceID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- invites ---

const inviteColumns = `id, space_id, email, role, token, expires_at, created_at`

func scanInvite(row interface{ Scan(...any) error }) (SpaceInvite, error) {
	var invite SpaceInvite
	err := row.Scan(&invite.ID, &invite.SpaceID, &invite.Email, &invite.Role, &invite.Token, &invite.ExpiresAt, &invite.CreatedAt)
	return invite, err
}

func (s *PostgresStore) CreateInvite(ctx context.Context, invite SpaceInvite) (SpaceInvite, error) {
	created, err := scanInvite(s.db.QueryRowContext(ctx, `
		INSERT INTO space_invites (id, space_id, email, role, token, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+inviteColumns+`
	`, invite.ID, invite.SpaceID, invite.Email, invite.Role, invite.Token, invite.ExpiresAt))
	if err != nil {
		if isPgError(err, pgerrcode.UniqueViolation) {
			return SpaceInvite{}, fmt.Errorf("insert invite: %w", ErrDuplicate)
		}
		return SpaceInvite{}, fmt.Errorf("insert invite: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListInvites(ctx context.Context, spaceID string) ([]SpaceInvite, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+inviteColumns+` FROM space_invites WHERE space_id=$1 ORDER BY created_at
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	invites := []SpaceInvite{}
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

func (s *PostgresStore) GetInviteByToken(ctx context.Context, token string) (SpaceInvite, error) {
	invite, err := scanInvite(s.db.QueryRowContext(ctx, `
		SELECT `+inviteColumns+` FROM space_invites WHERE token=$1
	`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return SpaceInvite{}, ErrNotFound
	}
	if err != nil {
		return SpaceInvite{}, fmt.Errorf("lookup invite: %w", err)
	}
	return invite, nil
}

func (s *PostgresStore) DeleteInviteByID(ctx context.Context, inviteID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM space_invites WHERE id=$1`, inviteID)
	if err != nil {
		return fmt.Errorf("delete invite: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RedeemInvite consumes an invite and grants the membership in one
// transaction. The delete-returning on the invite row makes the token
// single-use: a concurrent second redeem sees zero rows and gets
// ErrNotFound.
func (s *PostgresStore) RedeemInvite(ctx context.Context, inviteID, userID string) (SpaceMember, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SpaceMember{}, fmt.Errorf("begin redeem tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var spaceID, role string
	err = tx.QueryRowContext(ctx, `
		DELETE FROM space_invites WHERE id=$1 RETURNING space_id, role
	`, inviteID).Scan(&spaceID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return SpaceMember{}, ErrNotFound
	}
	if err != nil {
		return SpaceMember{}, fmt.Errorf("consume invite: %w", err)
	}

	member, err := scanMember(tx.QueryRowContext(ctx, `
		INSERT INTO space_members (id, space_id, user_id, role)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (space_id, user_id) DO UPDATE SET role = EXCLUDED.role
		RETURNING `+memberColumns+`
	`, util.NewID("mem"), spaceID, userID, role))
	if err != nil {
		return SpaceMember{}, fmt.Errorf("grant membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return SpaceMember{}, fmt.Errorf("commit redeem tx: %w", err)
	}
	return member, nil
}

// --- personal space provisioning ---

// CreatePersonalSpace creates the user's personal space and owner
// membership inside a serializable transaction, retrying on serialization
// failure so concurrent callers converge on a single space. Returns the
// existing space when one is already present.
func (s *PostgresStore) CreatePersonalSpace(ctx context.Context, userID, name string) (Space, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		space, err := s.createPersonalSpaceTx(ctx, userID, name)
		if err == nil {
			return space, nil
		}
		if isPgError(err, pgerrcode.SerializationFailure) || isPgError(err, pgerrcode.UniqueViolation) {
			lastErr = err
			continue
		}
		return Space{}, err
	}
	return Space{}, fmt.Errorf("create personal space: %w", lastErr)
}

func (s *PostgresStore) createPersonalSpaceTx(ctx context.Context, userID, name string) (Space, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Space{}, fmt.Errorf("begin provision tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanSpace(tx.QueryRowContext(ctx, `
		SELECT `+prefixedSpaceColumns+`
		FROM spaces sp
		JOIN space_members m ON m.space_id = sp.id
		WHERE m.user_id = $1 AND sp.is_personal AND sp.status = 'active'
		ORDER BY sp.created_at
		LIMIT 1
	`, userID))
	if err == nil {
		if err := tx.Commit(); err != nil {
			return Space{}, fmt.Errorf("commit provision tx: %w", err)
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Space{}, fmt.Errorf("lookup personal space: %w", err)
	}

	space, err := scanSpace(tx.QueryRowContext(ctx, `
		INSERT INTO spaces (id, name, is_personal)
		VALUES ($1, $2, TRUE)
		RETURNING `+spaceColumns+`
	`, util.NewID("sp"), name))
	if err != nil {
		return Space{}, fmt.Errorf("insert personal space: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO space_members (id, space_id, user_id, role)
		VALUES ($1, $2, $3, 'owner')
	`, util.NewID("mem"), space.ID, userID); err != nil {
		return Space{}, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Space{}, fmt.Errorf("commit provision tx: %w", err)
	}
	return space, nil
}
