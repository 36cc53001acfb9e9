// Command clubroll records club attendance on this device and reconciles it
// with the club's shared backend.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	dbOverride string
	jsonOutput bool

	// current is opened before every command that needs the store.
	current *app
)

var rootCmd = &cobra.Command{
	Use:   "clubroll",
	Short: "Local-first club attendance",
	Long: `clubroll keeps clubs, their weekly sessions, participants and attendance in a
local database and works fully offline. When signed in, records created on
this device are promoted to the shared backend and changes made elsewhere are
downloaded.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations["store"] == "none" {
			return nil
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if current == nil {
			return nil
		}
		err := current.Close()
		current = nil
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: config.yaml in the user config dir)")
	rootCmd.PersistentFlags().StringVar(&dbOverride, "db", "", "local database path (overrides db.path)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of tables")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Data:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if current != nil {
			_ = current.Close()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
