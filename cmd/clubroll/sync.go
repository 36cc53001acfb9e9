package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubroll/clubroll/internal/daemon"
	"github.com/clubroll/clubroll/internal/dashboard"
	"github.com/clubroll/clubroll/internal/model"
	clubsync "github.com/clubroll/clubroll/internal/sync"
	"github.com/clubroll/clubroll/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one reconciliation cycle",
	Long: `Upload records created or changed on this device and download changes
made elsewhere. Without a signed-in session nothing happens.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := current.engine()
		if err != nil {
			return err
		}

		start := time.Now()
		if !eng.SyncNow(cmd.Context()) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s Not signed in; nothing synced. Run 'clubroll login'.\n", ui.RenderWarn("⚠"))
			return nil
		}
		st := eng.Status()
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), statusJSON(st))
		}
		if st.Err != nil {
			return fmt.Errorf("sync failed: %w", st.Err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Fprintf(out, "   Uploaded: %d\n", st.Stats.Uploaded)
		fmt.Fprintf(out, "   Downloaded: %d\n", st.Stats.Downloaded)
		fmt.Fprintf(out, "   Deleted: %d\n", st.Stats.Deleted)
		if st.Stats.Failed > 0 {
			fmt.Fprintf(out, "   %s %d records failed and will be retried\n", ui.RenderWarn("⚠"), st.Stats.Failed)
		}
		return nil
	},
}

type syncStatusJSON struct {
	LastSync *time.Time          `json:"last_sync,omitempty"`
	Error    string              `json:"error,omitempty"`
	Stats    clubsync.CycleStats `json:"stats"`
}

func statusJSON(st clubsync.Status) syncStatusJSON {
	out := syncStatusJSON{Stats: st.Stats}
	if !st.LastSync.IsZero() {
		t := st.LastSync
		out.LastSync = &t
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	return out
}

type localStatus struct {
	Database       string     `json:"database"`
	Connected      bool       `json:"connected"`
	Backend        string     `json:"backend,omitempty"`
	User           string     `json:"user,omitempty"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	Clubs          int        `json:"clubs"`
	Unsynced       int        `json:"unsynced"`
	PendingDeletes int        `json:"pending_deletes"`
}

func countLocal[T model.Record](recs []T) int {
	n := 0
	for _, r := range recs {
		if r.RecordID().IsLocal() {
			n++
		}
	}
	return n
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local and sync status",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		pending, err := current.store.PendingDeletes(ctx)
		if err != nil {
			return err
		}
		last, err := current.store.LastSync(ctx)
		if err != nil {
			return err
		}

		st := localStatus{
			Database: current.store.Path(),
			Clubs:    len(snap.Clubs),
			Unsynced: countLocal(snap.Clubs) + countLocal(snap.Sessions) + countLocal(snap.Participants) +
				countLocal(snap.Enrollments) + countLocal(snap.Attendance),
			PendingDeletes: len(pending),
		}
		if !last.IsZero() {
			st.LastSync = &last
		}
		if err := current.connect(); err == nil {
			st.Connected = true
			st.Backend = current.cfg.Remote.URL
			if s := current.auth.GetSession(ctx); s != nil {
				st.User = s.Email
			}
		} else if !errors.Is(err, errNoRemote) {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), st)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\n%s clubroll status\n\n", ui.RenderAccent("📊"))
		fmt.Fprintln(out, ui.Status("Database", st.Database))
		switch {
		case !st.Connected:
			fmt.Fprintln(out, ui.Status("Backend", ui.RenderMuted("none (local only)")))
		case st.User == "":
			fmt.Fprintln(out, ui.Status("Backend", st.Backend))
			fmt.Fprintln(out, ui.Status("User", ui.RenderWarn("not signed in")))
		default:
			fmt.Fprintln(out, ui.Status("Backend", st.Backend))
			fmt.Fprintln(out, ui.Status("User", st.User))
		}
		lastText := ui.RenderMuted("never")
		if st.LastSync != nil {
			lastText = st.LastSync.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintln(out, ui.Status("Last sync", lastText))
		fmt.Fprintln(out, ui.Status("Clubs", st.Clubs))
		fmt.Fprintln(out, ui.Status("Unsynced records", st.Unsynced))
		fmt.Fprintln(out, ui.Status("Pending deletes", st.PendingDeletes))
		fmt.Fprintln(out)
		return nil
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the device in sync in the foreground",
	Long: `Run the sync daemon in the foreground.

The daemon will:
  1. Run a sync cycle on start
  2. Sync periodically (sync.interval)
  3. Sync shortly after the local database changes (daemon.debounce)
  4. Optionally serve the live dashboard (--dashboard)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		withDashboard, _ := cmd.Flags().GetBool("dashboard")
		port, _ := cmd.Flags().GetInt("port")
		if !cmd.Flags().Changed("port") {
			port = current.cfg.Dashboard.Port
		}

		eng, err := current.engine()
		if err != nil {
			return err
		}

		d, err := daemon.New(eng, current.cfg.DB.Path, &daemon.Config{
			DebounceInterval: current.cfg.Daemon.Debounce,
			Logger:           current.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create daemon: %w", err)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if withDashboard {
			server := dashboard.NewServer(&dashboard.Config{
				Port:     port,
				Gatherer: eng.Registry(),
				Logger:   current.logger,
			})
			handler := dashboard.NewHandler(server, eng, current.store, current.logger)
			defer handler.Close()

			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			defer func() {
				if err := server.Stop(); err != nil {
					current.logger.WithError(err).Warn("Error stopping dashboard")
				}
			}()
			fmt.Fprintf(cmd.OutOrStdout(), "%s Dashboard on http://%s (WebSocket /ws)\n", ui.RenderAccent("📡"), server.GetAddr())
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s Starting sync daemon for %s\n", ui.RenderAccent("🚀"), current.cfg.DB.Path)
		fmt.Fprintf(cmd.OutOrStdout(), "\nPress Ctrl+C to stop\n\n")

		return d.Start(ctx)
	},
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "serve the live dashboard")
	daemonCmd.Flags().IntP("port", "p", 8787, "dashboard port (default: dashboard.port)")

	rootCmd.AddCommand(syncCmd, statusCmd, daemonCmd)
}

var (
	_ daemon.Syncer          = (*clubsync.Engine)(nil)
	_ dashboard.StatusSource = (*clubsync.Engine)(nil)
)
