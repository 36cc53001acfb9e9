package main

import (
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubroll/clubroll/internal/localstore"
	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/ui"
)

// now is the clock used for relative dates.
var now = time.Now

// sessionParticipants resolves refs among the participants of the session's
// club.
func sessionParticipants(snap *localstore.Snapshot, sess model.Session, refs []string) ([]model.ID, error) {
	ids := make([]model.ID, 0, len(refs))
	for _, ref := range refs {
		p, err := findParticipant(snap, sess.ClubID, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

var enrollCmd = &cobra.Command{
	Use:     "enroll <session> <participant>...",
	GroupID: "records",
	Short:   "Add regulars to a session",
	Long: `Add participants to the regulars of a session. With --only the listed
participants become the exact set of regulars, removing the rest. With
--remove they are taken off the list instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		only, _ := cmd.Flags().GetBool("only")
		remove, _ := cmd.Flags().GetBool("remove")
		if only && remove {
			return fmt.Errorf("--only and --remove cannot be combined")
		}

		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		sess, err := findSession(snap, args[0])
		if err != nil {
			return err
		}
		listed, err := sessionParticipants(snap, sess, args[1:])
		if err != nil {
			return err
		}

		var ids []model.ID
		if !only {
			for _, e := range snap.SessionEnrollments(map[model.ID]bool{sess.ID: true}) {
				if remove && slices.Contains(listed, e.ParticipantID) {
					continue
				}
				ids = append(ids, e.ParticipantID)
			}
		}
		if !remove {
			for _, id := range listed {
				if !slices.Contains(ids, id) {
					ids = append(ids, id)
				}
			}
		}

		enrolled, err := current.store.SetSessionParticipants(ctx, sess.ID, ids)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), enrolled)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Session %s now has %d regulars\n", ui.RenderPass("✓"), sess.ID, len(enrolled))
		return nil
	},
}

var attendCmd = &cobra.Command{
	Use:     "attend <session>",
	GroupID: "records",
	Short:   "Record attendance for one session date",
	Long: `Record who was present or absent at one occurrence of a session. Entries
already recorded for that date are kept unless the same participant is listed
again. The date accepts natural language such as "today" or "last tuesday".`,
	Example: `  clubroll attend s1 --date "last tuesday" --present Ada --absent "Brian Lovelace"
  clubroll attend s1 --all-present --absent Brian`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dateText, _ := cmd.Flags().GetString("date")
		present, _ := cmd.Flags().GetStringSlice("present")
		absent, _ := cmd.Flags().GetStringSlice("absent")
		allPresent, _ := cmd.Flags().GetBool("all-present")

		date, err := parseDate(dateText, now())
		if err != nil {
			return err
		}
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		sess, err := findSession(snap, args[0])
		if err != nil {
			return err
		}
		presentIDs, err := sessionParticipants(snap, sess, present)
		if err != nil {
			return err
		}
		absentIDs, err := sessionParticipants(snap, sess, absent)
		if err != nil {
			return err
		}

		existing, err := current.store.Attendance(ctx, sess.ID, date)
		if err != nil {
			return err
		}
		status := make(map[model.ID]string)
		var order []model.ID
		mark := func(id model.ID, s string) {
			if _, ok := status[id]; !ok {
				order = append(order, id)
			}
			status[id] = s
		}
		for _, rec := range existing {
			mark(rec.ParticipantID, rec.Status)
		}
		if allPresent {
			for _, e := range snap.SessionEnrollments(map[model.ID]bool{sess.ID: true}) {
				mark(e.ParticipantID, model.StatusPresent)
			}
		}
		for _, id := range presentIDs {
			mark(id, model.StatusPresent)
		}
		for _, id := range absentIDs {
			mark(id, model.StatusAbsent)
		}
		if len(order) == 0 {
			return fmt.Errorf("nobody to record: use --present, --absent or --all-present")
		}

		records := make([]model.AttendanceRecord, 0, len(order))
		for _, id := range order {
			records = append(records, model.AttendanceRecord{SessionID: sess.ID, ParticipantID: id, Date: date, Status: status[id]})
		}
		saved, err := current.store.SaveAttendanceBatch(ctx, records)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), saved)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Recorded %d entries for %s\n", ui.RenderPass("✓"), len(saved), date)
		return nil
	},
}

type rollEntry struct {
	ParticipantID model.ID `json:"participant_id"`
	Name          string   `json:"name"`
	Regular       bool     `json:"regular"`
	Status        string   `json:"status,omitempty"`
}

var rollCmd = &cobra.Command{
	Use:     "roll <session>",
	GroupID: "records",
	Short:   "Show the attendance sheet of one session date",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dateText, _ := cmd.Flags().GetString("date")

		date, err := parseDate(dateText, now())
		if err != nil {
			return err
		}
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		sess, err := findSession(snap, args[0])
		if err != nil {
			return err
		}
		records, err := current.store.Attendance(ctx, sess.ID, date)
		if err != nil {
			return err
		}

		status := make(map[model.ID]string, len(records))
		for _, r := range records {
			status[r.ParticipantID] = r.Status
		}
		regular := make(map[model.ID]bool)
		for _, e := range snap.SessionEnrollments(map[model.ID]bool{sess.ID: true}) {
			regular[e.ParticipantID] = true
		}

		var entries []rollEntry
		rows := [][]string{}
		for _, p := range snap.ClubParticipants(sess.ClubID) {
			st, recorded := status[p.ID]
			if !regular[p.ID] && !recorded {
				continue
			}
			entries = append(entries, rollEntry{ParticipantID: p.ID, Name: p.FullName(), Regular: regular[p.ID], Status: st})

			shown := ui.RenderMuted("-")
			switch st {
			case model.StatusPresent:
				shown = ui.RenderPass(st)
			case model.StatusAbsent:
				shown = ui.RenderFail(st)
			}
			kind := "regular"
			if !regular[p.ID] {
				kind = "guest"
			}
			rows = append(rows, []string{p.FullName(), kind, shown})
		}

		if !jsonOutput {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s-%s on %s\n",
				ui.RenderAccent("Session"), sess.Weekday(), sess.StartTime, sess.EndTime, date)
		}
		return printTable(cmd.OutOrStdout(), entries, []string{"NAME", "KIND", "STATUS"}, rows)
	},
}

func init() {
	enrollCmd.Flags().Bool("only", false, "make the listed participants the exact set of regulars")
	enrollCmd.Flags().Bool("remove", false, "remove the listed participants instead")

	attendCmd.Flags().String("date", "", `session date, e.g. 2024-03-05 or "last tuesday" (default: today)`)
	attendCmd.Flags().StringSlice("present", nil, "participants who attended")
	attendCmd.Flags().StringSlice("absent", nil, "participants who were absent")
	attendCmd.Flags().Bool("all-present", false, "mark every regular present first")

	rollCmd.Flags().String("date", "", "session date (default: today)")

	rootCmd.AddCommand(enrollCmd, attendCmd, rollCmd)
}
