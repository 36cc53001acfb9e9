package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubroll/clubroll/internal/loadtest"
	"github.com/clubroll/clubroll/internal/logging"
	"github.com/clubroll/clubroll/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Simulate devices syncing concurrently and report cycle latency",
	Long: `Simulate several devices of one coach against an in-memory backend.

Each device creates its own clubs offline, then all devices record attendance
and sync at the same time. After a settling round every device must hold the
same records. The local database and backend are not touched.

Examples:
  clubroll bench
  clubroll bench --devices 20 --clubs 3 --participants 25 --rounds 5
  clubroll bench --json`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{"store": "none"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		devices, _ := cmd.Flags().GetInt("devices")
		clubs, _ := cmd.Flags().GetInt("clubs")
		participants, _ := cmd.Flags().GetInt("participants")
		rounds, _ := cmd.Flags().GetInt("rounds")

		dir, err := os.MkdirTemp("", "clubroll-bench-")
		if err != nil {
			return fmt.Errorf("failed to create bench directory: %w", err)
		}
		defer os.RemoveAll(dir)

		logger, closer := logging.New(logging.Options{Level: "error", Console: cmd.ErrOrStderr()})
		defer closer.Close()

		cfg := loadtest.DefaultConfig()
		cfg.Devices = devices
		cfg.ClubsPerDevice = clubs
		cfg.ParticipantsPerClub = participants
		cfg.Rounds = rounds
		cfg.Dir = dir
		cfg.Logger = logger

		fleet, err := loadtest.NewFleet(ctx, cfg)
		if err != nil {
			return err
		}
		defer fleet.Close()

		start := time.Now()
		if err := fleet.Populate(ctx); err != nil {
			return err
		}
		stats, err := fleet.Run(ctx)
		if err != nil {
			return err
		}
		if err := fleet.Settle(ctx); err != nil {
			return err
		}
		verifyErr := fleet.Verify(ctx)

		if jsonOutput {
			result := struct {
				Devices   int                    `json:"devices"`
				Expected  loadtest.Expected      `json:"expected"`
				Stats     *loadtest.LatencyStats `json:"stats"`
				Converged bool                   `json:"converged"`
				Error     string                 `json:"error,omitempty"`
			}{Devices: devices, Expected: cfg.Expected(), Stats: stats, Converged: verifyErr == nil}
			if verifyErr != nil {
				result.Error = verifyErr.Error()
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			return verifyErr
		}

		out := cmd.OutOrStdout()
		want := cfg.Expected()
		fmt.Fprintf(out, "%d devices, %d clubs, %d participants, %d attendance records\n\n",
			devices, want.Clubs, want.Participants, want.Attendance)
		stats.Print(out)
		fmt.Fprintln(out)
		if verifyErr != nil {
			fmt.Fprintf(out, "%s Devices did not converge\n", ui.RenderFail("✗"))
			return verifyErr
		}
		fmt.Fprintf(out, "%s All devices converged in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	benchCmd.Flags().Int("devices", 5, "number of simulated devices")
	benchCmd.Flags().Int("clubs", 2, "clubs created per device")
	benchCmd.Flags().Int("participants", 10, "participants per club")
	benchCmd.Flags().Int("rounds", 3, "concurrent sync rounds per device")
	rootCmd.AddCommand(benchCmd)
}
