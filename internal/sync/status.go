package sync

import (
	"fmt"
	"time"
)

// State is the phase of the running cycle.
type State int

const (
	StateIdle State = iota
	StateAuthorizing
	StateUploadingNew
	StateUploadingOwned
	StateDownloading
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateUploadingNew:
		return "uploading_new"
	case StateUploadingOwned:
		return "uploading_owned"
	case StateDownloading:
		return "downloading"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CycleStats counts what one cycle did.
type CycleStats struct {
	Uploaded   int `json:"uploaded"`
	Downloaded int `json:"downloaded"`
	Deleted    int `json:"deleted"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Status is published to subscribers when a cycle starts and ends.
type Status struct {
	IsSyncing bool
	// LastSync is the start time of the last successful cycle.
	LastSync time.Time
	// Err is set when the last cycle aborted.
	Err   error
	Stats CycleStats
}
