// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User represents a registered player account.
type User struct {
	ID           string     `gorm:"primaryKey;type:text" json:"id"`
	Username     string     `gorm:"uniqueIndex;not null;type:text" json:"username"`
	Email        string     `gorm:"uniqueIndex;not null;type:text" json:"email"`
	PasswordHash string     `gorm:"column:password_hash;not null;type:text" json:"-"`
	Verified     bool       `gorm:"not null;default:false" json:"verified"`
	Admin        bool       `gorm:"not null;default:false" json:"admin"`
	Banned       bool       `gorm:"not null;default:false;index" json:"banned"`
	BannedAt     *time.Time `gorm:"column:banned_at" json:"banned_at,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// Session represents a single active login for a user, tracking the client
// IP it was issued to. Only one session per user is active at a time;
// logging in again replaces the prior session rather than stacking them.
type Session struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    string    `gorm:"column:user_id;not null;type:text;index:idx_session_user_active" json:"user_id"`
	TokenHash string    `gorm:"column:token_hash;uniqueIndex;not null;type:text" json:"-"`
	ClientIP  string    `gorm:"column:client_ip;not null;type:text;index:idx_session_user_ip_active" json:"client_ip"`
	Active    bool      `gorm:"not null;default:true;index:idx_session_user_active;index:idx_session_user_ip_active" json:"active"`
	ExpiresAt time.Time `gorm:"column:expires_at;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	User *User `gorm:"foreignKey:UserID" json:"-"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Challenge represents a CTF challenge backed by one or more sandbox
// containers. Static challenges share a single long-lived sandbox across all
// players; per-player challenges provision an isolated sandbox for each user.
type Challenge struct {
	ID             string    `gorm:"primaryKey;type:text" json:"id"`
	Name           string    `gorm:"uniqueIndex;not null;type:text" json:"name"`
	Category       string    `gorm:"not null;type:text;index" json:"category"`
	Points         int       `gorm:"not null" json:"points"`
	FlagHash       string    `gorm:"column:flag_hash;not null;type:text" json:"-"`
	Image          string    `gorm:"not null;type:text" json:"image"`
	Static         bool      `gorm:"not null;default:false" json:"static"`
	Active         bool      `gorm:"not null;default:true;index" json:"active"`
	Ports          string    `gorm:"not null;type:text" json:"ports"` // JSON-encoded []int of container ports to publish
	MemoryLimitMB  int       `gorm:"column:memory_limit_mb;not null" json:"memory_limit_mb"`
	CPUQuota       int64     `gorm:"column:cpu_quota;not null" json:"cpu_quota"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Challenge) TableName() string { return "challenges" }

func (c *Challenge) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// SandboxStatus enumerates the lifecycle states of a Sandbox row.
type SandboxStatus string

const (
	SandboxStatusProvisioning SandboxStatus = "provisioning"
	SandboxStatusReady        SandboxStatus = "ready"
	SandboxStatusError        SandboxStatus = "error"
	SandboxStatusDestroyed    SandboxStatus = "destroyed"
)

// Sandbox represents a running (or formerly running) challenge instance:
// one container, one loopback volume, and the firewall port mapping that
// grants a single user network access to it.
type Sandbox struct {
	ID           string        `gorm:"primaryKey;type:text" json:"id"`
	ChallengeID  string        `gorm:"column:challenge_id;not null;type:text;index:idx_sandbox_challenge_active" json:"challenge_id"`
	UserID       *string       `gorm:"column:user_id;type:text;index:idx_sandbox_challenge_user_active" json:"user_id,omitempty"`
	ContainerID  string        `gorm:"column:container_id;type:text" json:"container_id,omitempty"`
	VolumePath   string        `gorm:"column:volume_path;type:text" json:"-"`
	Status       SandboxStatus `gorm:"not null;type:text;index" json:"status"`
	Active       bool          `gorm:"not null;default:true;index:idx_sandbox_challenge_active;index:idx_sandbox_challenge_user_active" json:"active"`
	HostPorts    string        `gorm:"column:host_ports;type:text" json:"host_ports,omitempty"` // JSON map of container port -> published host port
	ErrorMessage *string       `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	LastSeenAt   time.Time     `gorm:"column:last_seen_at;not null" json:"last_seen_at"`
	CreatedAt    time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime" json:"updated_at"`

	Challenge *Challenge `gorm:"foreignKey:ChallengeID" json:"-"`
	User      *User      `gorm:"foreignKey:UserID" json:"-"`
}

func (Sandbox) TableName() string { return "sandboxes" }

func (s *Sandbox) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Submission records one flag-submission attempt against a challenge.
type Submission struct {
	ID          string    `gorm:"primaryKey;type:text" json:"id"`
	UserID      string    `gorm:"column:user_id;not null;type:text;index" json:"user_id"`
	ChallengeID string    `gorm:"column:challenge_id;not null;type:text;index" json:"challenge_id"`
	Correct     bool      `gorm:"not null" json:"correct"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`

	User      *User      `gorm:"foreignKey:UserID" json:"-"`
	Challenge *Challenge `gorm:"foreignKey:ChallengeID" json:"-"`
}

func (Submission) TableName() string { return "submissions" }

func (s *Submission) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Notification is a message broadcast to one user or to all players
// (UserID nil), persisted so it survives past the pub/sub fanout that
// delivers it live.
type Notification struct {
	ID        string    `gorm:"primaryKey;type:text" json:"id"`
	UserID    *string   `gorm:"column:user_id;type:text;index" json:"user_id,omitempty"`
	Message   string    `gorm:"not null;type:text" json:"message"`
	Read      bool      `gorm:"not null;default:false;index" json:"read"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

func (n *Notification) BeforeCreate(_ *gorm.DB) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	return nil
}

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Session{},
		&Challenge{},
		&Sandbox{},
		&Submission{},
		&Notification{},
		&Job{},
		&DispatcherLeader{},
	}
}
