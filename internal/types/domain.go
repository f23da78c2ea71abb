// Package types defines the shared domain model for the occasion scheduler:
// users, scheduled messages, the queue envelope, status enums, and the
// application error type. It has no dependencies on other internal packages
// so every layer can import it freely.
package types

import "time"

// OccasionType identifies which recurring occasion a scheduled message
// celebrates. The value doubles as the queue routing key.
type OccasionType string

const (
	OccasionBirthday    OccasionType = "birthday"
	OccasionAnniversary OccasionType = "anniversary"
)

// Valid reports whether the occasion type is one of the known values.
func (o OccasionType) Valid() bool {
	return o == OccasionBirthday || o == OccasionAnniversary
}

// MessageStatus is the scheduled message state machine:
//
//	created -> queued -> sending -> {sent | failed}
//
// with a recovery edge queued|sending -> created, bounded by the retry limit.
// sent and failed are terminal. All transitions are applied as guarded
// conditional updates; see db.ScheduledMessageRepository.Transition.
type MessageStatus string

const (
	StatusCreated MessageStatus = "created"
	StatusQueued  MessageStatus = "queued"
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s MessageStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// User is the read-only projection of a user record owned by the CRUD
// subsystem. The core never writes users; it only reads the fields needed
// for scheduling.
type User struct {
	ID          string
	FirstName   string
	LastName    string
	Timezone    string // IANA zone name; invalid zones are a data error, never a crash
	Birthday    time.Time
	Anniversary *time.Time // nil when the user has not set one
	DeletedAt   *time.Time // soft-delete marker; deleted users are never scheduled
}

// FullName returns the user's display name for greeting content.
func (u *User) FullName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// ScheduledMessage is the core's central entity: one materialized occasion
// delivery. At most one row may exist per idempotency key at any time; the
// uniqueness constraint on idempotency_key enforces this, not application
// logic.
type ScheduledMessage struct {
	ID             string
	UserID         string
	OccasionType   OccasionType
	OccasionDate   time.Time // the local calendar date being celebrated
	ScheduledFor   time.Time // UTC instant of local 09:00 in the user's zone
	IdempotencyKey string
	Status         MessageStatus
	RetryCount     int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// QueueEnvelope is the wire payload published to the broker. It is a thin,
// disposable projection of ScheduledMessage: the worker reloads the row by
// MessageID and treats the store as the single source of truth.
type QueueEnvelope struct {
	MessageID    string       `json:"message_id" validate:"required,uuid4"`
	OccasionType OccasionType `json:"occasion_type" validate:"required,oneof=birthday anniversary"`
	ScheduledFor time.Time    `json:"scheduled_for" validate:"required"`
	RetryCount   int          `json:"retry_count" validate:"gte=0"`
}

// JobStatus summarizes the most recent run of a scheduled job for the
// operational surface.
type JobStatus struct {
	JobType    string     `json:"job_type"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status,omitempty"`
	ItemsCount int        `json:"items_count"`
	LastError  *string    `json:"last_error,omitempty"`
}
