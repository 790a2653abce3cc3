package database

import "time"

// Roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is an account that can upload images.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	IsActive     bool
	QuotaBytes   *int64 // nil means use the global default
	CreatedAt    time.Time
}

// IsAdmin reports whether the user has the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Image is the durable record of a stored file.
type Image struct {
	ID           int64
	Filename     string
	OriginalName string
	UserID       *int64
	Size         int64
	Width        int
	Height       int
	MIMEType     string
	UploadTime   time.Time
	Views        int
}

// ViewDelta is a batch of views to add to an image's stats row.
type ViewDelta struct {
	Count    int
	LastView time.Time
	Referer  string // empty keeps the stored referer
}

// InviteCode gates registration when invites are enabled.
type InviteCode struct {
	ID          int64
	Code        string
	MaxUses     int
	CurrentUses int
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// Usage summarizes a user's stored images.
type Usage struct {
	ImageCount int64
	UsedBytes  int64
}
