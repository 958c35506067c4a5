// Package domain defines the persistence models for loops, threads,
// memberships, and messages. These types are mapped with GORM and form the
// core data layer of the relay service.
package domain

import (
	"time"
)

// Message audiences. Every message row carries exactly one of these values:
// human posts enter the bot's inbox, and the bot fans out one personalized
// row per recipient.
const (
	AudienceInboxToBot = "inbox_to_bot"
	AudienceBotToUser  = "bot_to_user"
)

// Loop represents a small group of participants who share a conversation.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Name: human-readable loop name.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Loop struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null;default:''"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Loop.
func (Loop) TableName() string { return "loops" }

// Thread is a conversation scoped to exactly one loop. The loop binding is
// immutable after creation.
type Thread struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	LoopID    string    `json:"loop_id"    gorm:"type:char(36);not null;index"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Loop is the owning group. Threads are cascade-deleted with their loop.
	Loop Loop `json:"-" gorm:"foreignKey:LoopID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Thread.
func (Thread) TableName() string { return "threads" }

// Member binds a participant identity (profile id) to a loop. One of the
// profiles in a loop may be the designated bot identity; membership rows do
// not distinguish bots; the bot profile ids are configured externally.
//
// Fields:
//   - ID: UUID primary key; referenced by Message.AuthorMemberID.
//   - LoopID / ProfileID: the membership pair, unique per loop.
//   - Role: free-form role label ("member", "agent", ...).
type Member struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	LoopID    string    `json:"loop_id"    gorm:"type:char(36);not null;index;uniqueIndex:ux_members_loop_profile"`
	ProfileID string    `json:"profile_id" gorm:"type:char(36);not null;index;uniqueIndex:ux_members_loop_profile"`
	Role      string    `json:"role"       gorm:"type:varchar(32);not null;default:'member'"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Loop Loop `json:"-" gorm:"foreignKey:LoopID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Member.
func (Member) TableName() string { return "members" }

// Message is a single row in a thread. Rows are immutable once created,
// except for the terminal ProcessedAt transition and the transient claim
// columns used by concurrent relay workers.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ThreadID: owning thread (indexed).
//   - CreatedBy: profile id of the author (human or bot).
//   - AuthorMemberID: the author's membership handle within the loop.
//     Empty for legacy rows; such rows are skipped by the relay pipeline.
//   - Audience: inbox_to_bot or bot_to_user (DB constraint).
//   - RecipientID: target profile id; set only for bot_to_user rows.
//   - Content: opaque text payload.
//   - ProcessedAt: set exactly once when the relay pipeline has fanned the
//     row out; never cleared. Null means the row is still pending.
//   - ClaimedBy / ClaimedAt: exclusive, time-bounded worker claim. A claim
//     older than the configured TTL is considered stale and may be retaken.
type Message struct {
	ID             string     `json:"id"                     gorm:"type:char(36);primaryKey"`
	ThreadID       string     `json:"thread_id"              gorm:"type:char(36);not null;index:idx_thread_msgs,priority:1"`
	CreatedBy      string     `json:"created_by"             gorm:"type:char(36);not null;index"`
	AuthorMemberID string     `json:"author_member_id"       gorm:"type:char(36);not null;default:''"`
	Audience       string     `json:"audience"               gorm:"type:varchar(16);not null;index;check:audience IN ('inbox_to_bot','bot_to_user')"`
	RecipientID    *string    `json:"recipient_id,omitempty" gorm:"type:char(36);index"`
	Content        string     `json:"content"                gorm:"type:text;not null"`
	CreatedAt      time.Time  `json:"created_at"             gorm:"index:idx_thread_msgs,priority:2"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty" gorm:"index"`
	ClaimedBy      string     `json:"-"                      gorm:"type:varchar(64);not null;default:''"`
	ClaimedAt      *time.Time `json:"-"`

	Thread Thread `json:"-" gorm:"foreignKey:ThreadID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Pending reports whether the message is still waiting for relay processing.
func (m *Message) Pending() bool {
	return m.Audience == AudienceInboxToBot && m.ProcessedAt == nil
}
