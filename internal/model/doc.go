// Package model defines the synchronized entities of clubroll.
//
// # Entities
//
// Club owns Sessions and Participants. ParticipantSession joins the two
// ("regularly attends") and AttendanceRecord stores presence per session
// occurrence:
//
//	Club ─┬─ Session ─────┬─ ParticipantSession
//	      └─ Participant ─┴─ AttendanceRecord (session, participant, date)
//
// # Identifiers
//
// Every entity is keyed by an ID that is either Local (minted on the device,
// never confirmed by the remote store) or Remote (issued by the server).
// Local ids never leave the device in a delete call; once the server assigns
// an id the record is promoted and every reference is rewritten.
//
// # Conflicts
//
// Conflicts are resolved per record by RemoteWins over Record.Stamp.
package model
