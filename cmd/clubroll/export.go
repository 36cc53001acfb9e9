package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clubroll/clubroll/internal/model"
	"github.com/clubroll/clubroll/internal/ui"
)

// exportDoc is the document written by export.
type exportDoc struct {
	ExportedAt   time.Time                  `json:"exported_at" yaml:"exported_at"`
	LastSync     *time.Time                 `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	Clubs        []model.Club               `json:"clubs" yaml:"clubs"`
	Sessions     []model.Session            `json:"sessions" yaml:"sessions"`
	Participants []model.Participant        `json:"participants" yaml:"participants"`
	Enrollments  []model.ParticipantSession `json:"participant_sessions" yaml:"participant_sessions"`
	Attendance   []model.AttendanceRecord   `json:"attendance_records" yaml:"attendance_records"`
}

func writeExport(w io.Writer, format string, doc exportDoc) error {
	switch format {
	case "json":
		return printJSON(w, doc)
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "data",
	Short:   "Export all local records",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		snap, err := current.store.Snapshot(ctx)
		if err != nil {
			return err
		}
		last, err := current.store.LastSync(ctx)
		if err != nil {
			return err
		}

		doc := exportDoc{
			ExportedAt:   now().UTC(),
			Clubs:        snap.Clubs,
			Sessions:     snap.Sessions,
			Participants: snap.Participants,
			Enrollments:  snap.Enrollments,
			Attendance:   snap.Attendance,
		}
		if !last.IsZero() {
			doc.LastSync = &last
		}

		if output == "" || output == "-" {
			return writeExport(cmd.OutOrStdout(), format, doc)
		}

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", output, err)
		}
		if err := writeExport(f, format, doc); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s Exported %d clubs to %s\n", ui.RenderPass("✓"), len(doc.Clubs), output)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "output format: json or yaml")
	exportCmd.Flags().StringP("output", "o", "", "output file (default: stdout)")

	rootCmd.AddCommand(exportCmd)
}
