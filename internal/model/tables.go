package model

// Collection names, shared by local storage keys and remote tables.
const (
	TableClubs               = "clubs"
	TableSessions            = "sessions"
	TableParticipants        = "participants"
	TableParticipantSessions = "participant_sessions"
	TableAttendance          = "attendance_records"
)
