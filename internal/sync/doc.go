// Package sync reconciles the local store with the shared remote store.
//
// # Cycle
//
// One cycle runs these phases in order:
//
//	Idle → Authorizing → UploadingNew → UploadingOwned → Downloading → Idle
//
//   - Authorizing: without a signed-in session the cycle is a no-op.
//   - UploadingNew: clubs created on this device are inserted (or matched to
//     an existing remote club with the same name and owner) and promoted to
//     their server ids, followed by their sessions and participants. Clubs
//     deleted on this device are deleted remotely when the user owns them.
//   - UploadingOwned: for every club the device holds, sessions and
//     participants are diffed by id and enrollments and attendance by
//     logical key. Newer local rows are sent; rows missing locally are
//     deleted remotely only by the club's owner.
//   - Downloading: rows changed since the last successful cycle are merged
//     into the local store. Rows uploaded in this cycle are skipped.
//
// Conflicts are whole-record and decided by model.RemoteWins.
//
// # Usage
//
//	engine, err := sync.New(store, client, cache, nil)
//	if err != nil {
//	    return err
//	}
//	unsubscribe := engine.OnSyncStatusChange(func(st sync.Status) {
//	    log.Printf("syncing=%v last=%v", st.IsSyncing, st.LastSync)
//	})
//	defer unsubscribe()
//
//	engine.StartAutoSync(ctx)
//	defer engine.StopAutoSync()
//
//	engine.SyncNow(ctx) // e.g. when the app comes to the foreground
//
// # Failures
//
// A failure on one record is logged and skipped. Failing to read
// the local store or to list remote clubs aborts the cycle and publishes a
// Status with Err set. When part of the download fails the last sync time
// is not advanced, so the next cycle fetches the same window again.
package sync
