package store

import "time"

// Space status values. A deleted space is a tombstone: the row is
// retained and no transition leaves the deleted state.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// SystemActor is recorded as the acting user on transitions performed
// by the cleanup job.
const SystemActor = "system"

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type Space struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	IsPersonal bool       `json:"isPersonal"`
	Status     string     `json:"status"`
	ArchivedAt *time.Time `json:"archivedAt"`
	ArchivedBy *string    `json:"archivedBy"`
	DeletedAt  *time.Time `json:"deletedAt"`
	DeletedBy  *string    `json:"deletedBy"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type SpaceMember struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"spaceId"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type SpaceInvite struct {
	ID        string    `json:"id"`
	SpaceID   string    `json:"spaceId"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}
