package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/ui"
)

var clubCmd = &cobra.Command{
	Use:     "club",
	GroupID: "records",
	Short:   "Manage clubs",
}

var clubAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a club",
	Long: `Create a club on this device. It gets a local id until the next sync
promotes it to the backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")

		club, err := current.store.SaveClub(cmd.Context(), model.Club{Name: args[0], Description: description})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), club)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created club %s (%s)\n", ui.RenderPass("✓"), club.Name, club.ID)
		return nil
	},
}

var clubListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clubs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := current.store.Snapshot(cmd.Context())
		if err != nil {
			return err
		}

		rows := make([][]string, 0, len(snap.Clubs))
		for _, c := range snap.Clubs {
			rows = append(rows, []string{
				c.ID.String(),
				c.Name,
				strconv.Itoa(len(snap.ClubSessions(c.ID))),
				strconv.Itoa(len(snap.ClubParticipants(c.ID))),
				syncedMark(c.ID),
			})
		}
		return printTable(cmd.OutOrStdout(), snap.Clubs, []string{"ID", "NAME", "SESSIONS", "PARTICIPANTS", "STATE"}, rows)
	},
}

var clubRmCmd = &cobra.Command{
	Use:   "rm <club>",
	Short: "Delete a club with its sessions, participants and attendance",
	Long: `Delete a club and everything that belongs to it. A club that was already
synced is deleted from the backend on the next sync, if you own it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		club, err := findClub(snap, args[0])
		if err != nil {
			return err
		}
		if err := current.store.DeleteClub(ctx, club.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted club %s\n", ui.RenderPass("✓"), club.Name)
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "records",
	Short:   "Manage a club's weekly sessions",
}

var sessionAddCmd = &cobra.Command{
	Use:   "add <club>",
	Short: "Add a weekly session to a club",
	Example: `  clubroll session add "Chess Club" --day tue --start 18:00 --end 20:00`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		dayFlag, _ := cmd.Flags().GetString("day")
		start, _ := cmd.Flags().GetString("start")
		end, _ := cmd.Flags().GetString("end")

		day, err := parseWeekday(dayFlag)
		if err != nil {
			return err
		}
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		club, err := findClub(snap, args[0])
		if err != nil {
			return err
		}

		sess, err := current.store.SaveSession(ctx, model.Session{ClubID: club.ID, DayOfWeek: day, StartTime: start, EndTime: end})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), sess)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s %s-%s to %s (%s)\n",
			ui.RenderPass("✓"), time.Weekday(day), start, end, club.Name, sess.ID)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list <club>",
	Short: "List a club's sessions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := current.store.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		club, err := findClub(snap, args[0])
		if err != nil {
			return err
		}

		sessions := snap.ClubSessions(club.ID)
		rows := make([][]string, 0, len(sessions))
		for _, s := range sessions {
			enrolled := snap.SessionEnrollments(map[model.ID]bool{s.ID: true})
			rows = append(rows, []string{
				s.ID.String(), s.Weekday().String(), s.StartTime, s.EndTime,
				strconv.Itoa(len(enrolled)), syncedMark(s.ID),
			})
		}
		return printTable(cmd.OutOrStdout(), sessions, []string{"ID", "DAY", "START", "END", "ENROLLED", "STATE"}, rows)
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session>",
	Short: "Delete a session with its enrollments and attendance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		sess, err := findSession(snap, args[0])
		if err != nil {
			return err
		}
		if err := current.store.DeleteSession(ctx, sess.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted session %s\n", ui.RenderPass("✓"), sess.ID)
		return nil
	},
}

var participantCmd = &cobra.Command{
	Use:     "participant",
	GroupID: "records",
	Short:   "Manage a club's participants",
}

var participantAddCmd = &cobra.Command{
	Use:   "add <club> <first name> [last name]",
	Short: "Add a participant to a club",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sick, _ := cmd.Flags().GetBool("long-term-sick")

		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		club, err := findClub(snap, args[0])
		if err != nil {
			return err
		}

		p := model.Participant{ClubID: club.ID, FirstName: args[1], IsLongTermSick: sick}
		if len(args) == 3 {
			p.LastName = args[2]
		}
		p, err = current.store.SaveParticipant(ctx, p)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), p)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Added %s to %s (%s)\n", ui.RenderPass("✓"), p.FullName(), club.Name, p.ID)
		return nil
	},
}

var participantListCmd = &cobra.Command{
	Use:   "list <club>",
	Short: "List a club's participants",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := current.store.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		club, err := findClub(snap, args[0])
		if err != nil {
			return err
		}

		participants := snap.ClubParticipants(club.ID)
		rows := make([][]string, 0, len(participants))
		for _, p := range participants {
			note := ""
			if p.IsLongTermSick {
				note = "long-term sick"
			}
			rows = append(rows, []string{p.ID.String(), p.FullName(), note, syncedMark(p.ID)})
		}
		return printTable(cmd.OutOrStdout(), participants, []string{"ID", "NAME", "NOTE", "STATE"}, rows)
	},
}

var participantRmCmd = &cobra.Command{
	Use:   "rm <club> <participant>",
	Short: "Delete a participant with their enrollments and attendance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		club, err := findClub(snap, args[0])
		if err != nil {
			return err
		}
		p, err := findParticipant(snap, club.ID, args[1])
		if err != nil {
			return err
		}
		if err := current.store.DeleteParticipant(ctx, p.ID); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Deleted %s\n", ui.RenderPass("✓"), p.FullName())
		return nil
	},
}

func init() {
	clubAddCmd.Flags().String("description", "", "club description")
	clubCmd.AddCommand(clubAddCmd, clubListCmd, clubRmCmd)

	sessionAddCmd.Flags().String("day", "", "day of the week (e.g. tue, tuesday, 2)")
	sessionAddCmd.Flags().String("start", "", "start time HH:MM")
	sessionAddCmd.Flags().String("end", "", "end time HH:MM")
	_ = sessionAddCmd.MarkFlagRequired("day")
	_ = sessionAddCmd.MarkFlagRequired("start")
	_ = sessionAddCmd.MarkFlagRequired("end")
	sessionCmd.AddCommand(sessionAddCmd, sessionListCmd, sessionRmCmd)

	participantAddCmd.Flags().Bool("long-term-sick", false, "exclude from attendance statistics")
	participantCmd.AddCommand(participantAddCmd, participantListCmd, participantRmCmd)

	rootCmd.AddCommand(clubCmd, sessionCmd, participantCmd)
}
