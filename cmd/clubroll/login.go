package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Sign in to the backend",
	Long: `Sign in with email and password. The password is read from standard input
when --password is not given. The refresh token is stored in the local
database.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		email, _ := cmd.Flags().GetString("email")
		password, _ := cmd.Flags().GetString("password")

		if err := current.connect(); err != nil {
			return err
		}

		in := bufio.NewReader(cmd.InOrStdin())
		if email == "" {
			fmt.Fprint(cmd.OutOrStdout(), "Email: ")
			line, _ := in.ReadString('\n')
			email = strings.TrimSpace(line)
		}
		if password == "" {
			fmt.Fprint(cmd.OutOrStdout(), "Password: ")
			line, _ := in.ReadString('\n')
			password = strings.TrimRight(line, "\r\n")
		}
		if email == "" || password == "" {
			return fmt.Errorf("email and password are required")
		}

		session, err := current.auth.SignIn(ctx, email, password)
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return fmt.Errorf("sign in rejected: %w", err)
		}
		if err != nil {
			return fmt.Errorf("failed to sign in: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed in as %s\n", ui.RenderPass("✓"), session.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Sign out of the backend",
	Long: `Sign out on this device. With --global the refresh token is also revoked on
the server. Local records are kept.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		global, _ := cmd.Flags().GetBool("global")

		if err := current.connect(); err != nil {
			return err
		}
		scope := auth.ScopeLocal
		if global {
			scope = auth.ScopeGlobal
		}
		if err := current.auth.SignOut(cmd.Context(), scope); err != nil {
			return fmt.Errorf("failed to sign out: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Signed out\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("email", "", "account email")
	loginCmd.Flags().String("password", "", "account password (prompted when empty)")
	logoutCmd.Flags().Bool("global", false, "also revoke the refresh token on the server")

	rootCmd.AddCommand(loginCmd, logoutCmd)
}
