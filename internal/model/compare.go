package model

import "time"

// RemoteWins decides whole-record conflicts between a local copy and a
// remote copy. It is the only timestamp comparison used by upload and merge.
//
// When either stamp is missing no comparison is possible and the local copy
// is kept (and will be uploaded). Otherwise the remote copy wins unless it is
// strictly older; ties go to the remote.
func RemoteWins(local, remote time.Time) bool {
	if local.IsZero() || remote.IsZero() {
		return false
	}
	return !remote.Before(local)
}
