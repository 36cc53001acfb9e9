package model

import (
	"fmt"
	"time"
)

// Attendance statuses.
const (
	StatusPresent = "present"
	StatusAbsent  = "absent"
)

// DateLayout is the calendar-date format used by attendance records and
// stats reset dates.
const DateLayout = "2006-01-02"

// ClockLayout is the time-of-day format used by sessions.
const ClockLayout = "15:04"

// Record is implemented by every synchronized entity.
type Record interface {
	RecordID() ID
	// Stamp is the timestamp used for conflict resolution: updated_at,
	// falling back to created_at. Zero means unknown.
	Stamp() time.Time
}

// Timestamps are the server-maintained bookkeeping fields shared by all
// entities.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at,omitzero" yaml:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero" yaml:"updated_at,omitempty"`
}

// Stamp implements Record.
func (ts Timestamps) Stamp() time.Time {
	if !ts.UpdatedAt.IsZero() {
		return ts.UpdatedAt
	}
	return ts.CreatedAt
}

// Created returns created_at.
func (ts Timestamps) Created() time.Time { return ts.CreatedAt }

// Touch marks a local edit at now; created_at is set on first save.
func (ts *Timestamps) Touch(now time.Time) {
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	ts.UpdatedAt = now
}

// Club is the unit of ownership. Its owner is the authority for destructive
// operations on the club's children.
type Club struct {
	ID             ID     `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	Description    string `json:"description" yaml:"description,omitempty"`
	OwnerID        string `json:"owner_id,omitempty" yaml:"owner_id,omitempty"`
	StatsResetDate string `json:"stats_reset_date,omitempty" yaml:"stats_reset_date,omitempty"`
	Timestamps     `yaml:",inline"`
}

// RecordID implements Record.
func (c Club) RecordID() ID { return c.ID }

// Validate checks required fields.
func (c *Club) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(c.Name) > 200 {
		return fmt.Errorf("name must be 200 characters or less (got %d)", len(c.Name))
	}
	if c.StatsResetDate != "" {
		if _, err := time.Parse(DateLayout, c.StatsResetDate); err != nil {
			return fmt.Errorf("stats_reset_date must be YYYY-MM-DD: %w", err)
		}
	}
	return nil
}

// Session is a recurring weekly time slot of a club.
type Session struct {
	ID         ID     `json:"id" yaml:"id"`
	ClubID     ID     `json:"club_id" yaml:"club_id"`
	DayOfWeek  int    `json:"day_of_week" yaml:"day_of_week"` // 0=Sunday
	StartTime  string `json:"start_time" yaml:"start_time"`
	EndTime    string `json:"end_time" yaml:"end_time"`
	Timestamps `yaml:",inline"`
}

// RecordID implements Record.
func (s Session) RecordID() ID { return s.ID }

// Validate checks required fields and the time window.
func (s *Session) Validate() error {
	if s.ClubID.IsZero() {
		return fmt.Errorf("club_id is required")
	}
	if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week must be between 0 and 6 (got %d)", s.DayOfWeek)
	}
	start, err := time.Parse(ClockLayout, s.StartTime)
	if err != nil {
		return fmt.Errorf("start_time must be HH:MM: %w", err)
	}
	end, err := time.Parse(ClockLayout, s.EndTime)
	if err != nil {
		return fmt.Errorf("end_time must be HH:MM: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("end_time %s must be after start_time %s", s.EndTime, s.StartTime)
	}
	return nil
}

// Weekday returns the session's day as a time.Weekday.
func (s Session) Weekday() time.Weekday { return time.Weekday(s.DayOfWeek) }

// Participant is a member of a club.
type Participant struct {
	ID             ID     `json:"id" yaml:"id"`
	ClubID         ID     `json:"club_id" yaml:"club_id"`
	FirstName      string `json:"first_name" yaml:"first_name"`
	LastName       string `json:"last_name" yaml:"last_name"`
	IsLongTermSick bool   `json:"is_long_term_sick" yaml:"is_long_term_sick,omitempty"`
	Timestamps     `yaml:",inline"`
}

// RecordID implements Record.
func (p Participant) RecordID() ID { return p.ID }

// FullName joins first and last name.
func (p Participant) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Validate checks required fields.
func (p *Participant) Validate() error {
	if p.ClubID.IsZero() {
		return fmt.Errorf("club_id is required")
	}
	if p.FirstName == "" {
		return fmt.Errorf("first_name is required")
	}
	return nil
}

// ParticipantSession records that a participant regularly attends a session.
type ParticipantSession struct {
	ID            ID `json:"id" yaml:"id"`
	ParticipantID ID `json:"participant_id" yaml:"participant_id"`
	SessionID     ID `json:"session_id" yaml:"session_id"`
	Timestamps    `yaml:",inline"`
}

// RecordID implements Record.
func (ps ParticipantSession) RecordID() ID { return ps.ID }

// Key is the logical identity of an enrollment.
func (ps ParticipantSession) Key() EnrollmentKey {
	return EnrollmentKey{ParticipantID: ps.ParticipantID.String(), SessionID: ps.SessionID.String()}
}

// ReferencesLocal reports whether either side of the pair is unconfirmed.
func (ps ParticipantSession) ReferencesLocal() bool {
	return ps.ParticipantID.IsLocal() || ps.SessionID.IsLocal()
}

// Validate checks required fields.
func (ps *ParticipantSession) Validate() error {
	if ps.ParticipantID.IsZero() {
		return fmt.Errorf("participant_id is required")
	}
	if ps.SessionID.IsZero() {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

// EnrollmentKey is (participant_id, session_id).
type EnrollmentKey struct {
	ParticipantID string
	SessionID     string
}

// AttendanceRecord is one participant's presence at one session occurrence.
type AttendanceRecord struct {
	ID            ID     `json:"id" yaml:"id"`
	SessionID     ID     `json:"session_id" yaml:"session_id"`
	ParticipantID ID     `json:"participant_id" yaml:"participant_id"`
	Date          string `json:"date" yaml:"date"`
	Status        string `json:"status" yaml:"status"`
	Timestamps    `yaml:",inline"`
}

// RecordID implements Record.
func (a AttendanceRecord) RecordID() ID { return a.ID }

// Key is the logical identity used for merge and dedup.
func (a AttendanceRecord) Key() AttendanceKey {
	return AttendanceKey{
		ParticipantID: a.ParticipantID.String(),
		SessionID:     a.SessionID.String(),
		Date:          a.Date,
	}
}

// ReferencesLocal reports whether the session or participant is unconfirmed.
func (a AttendanceRecord) ReferencesLocal() bool {
	return a.ParticipantID.IsLocal() || a.SessionID.IsLocal()
}

// Validate checks required fields, the date format and the status enum.
func (a *AttendanceRecord) Validate() error {
	if a.SessionID.IsZero() {
		return fmt.Errorf("session_id is required")
	}
	if a.ParticipantID.IsZero() {
		return fmt.Errorf("participant_id is required")
	}
	if _, err := time.Parse(DateLayout, a.Date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD: %w", err)
	}
	if a.Status != StatusPresent && a.Status != StatusAbsent {
		return fmt.Errorf("status must be %q or %q (got %q)", StatusPresent, StatusAbsent, a.Status)
	}
	return nil
}

// AttendanceKey is (participant_id, session_id, date).
type AttendanceKey struct {
	ParticipantID string
	SessionID     string
	Date          string
}
