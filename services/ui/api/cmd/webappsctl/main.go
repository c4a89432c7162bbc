package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"filippo.io/age"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/frosty308/webapps/services/activation"
	"github.com/frosty308/webapps/services/archive"
	"github.com/frosty308/webapps/services/audit"
	"github.com/frosty308/webapps/services/ui/api/internal/app"
	"github.com/frosty308/webapps/services/ui/api/internal/config"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "webappsctl",
		Short:         "Operator tool for account invitations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newInviteCommand())
	cmd.AddCommand(newRevokeCommand())
	cmd.AddCommand(newSweepCommand())
	cmd.AddCommand(newAuditCommand())
	cmd.AddCommand(newArchiveCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// withApp loads configuration and runs fn against a connected App.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := commandContext(cmd)
	cfg, err := config.Load(ctx)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.NewLogger(cfg.LogFormat))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func newInviteCommand() *cobra.Command {
	var req activation.InviteRequest

	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Create an invitation and send it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Service.Invite(ctx, req)
				if err != nil && res.Invitation.Email == "" {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "invitation %s for %s (%s) expires %s\n",
					res.Invitation.ID, res.Invitation.Email, res.Invitation.Action, res.Invitation.ExpiresAt.Format("2006-01-02 15:04 MST"))
				fmt.Fprintf(out, "link: %s\n", res.Link)
				if err != nil {
					fmt.Fprintf(out, "delivery failed (%v), share the temporary password out of band: %s\n", err, res.TemporaryPassword)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.Email, "email", "", "Invitee email address")
	cmd.Flags().StringVar(&req.Action, "action", "activate", "Invitation action (activate or reset)")
	cmd.Flags().StringVar(&req.DisplayName, "name", "", "Optional display name")
	cmd.Flags().StringVar(&req.Phone, "phone", "", "Optional phone number for SMS codes")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newRevokeCommand() *cobra.Command {
	var email, action string

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a pending invitation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Service.Revoke(ctx, email, action); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked pending %s invitation for %s\n", action, email)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Invitee email address")
	cmd.Flags().StringVar(&action, "action", "activate", "Invitation action (activate or reset)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Archive and delete terminal invitations past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				sweeper, err := a.Sweeper()
				if err != nil {
					return err
				}
				report, err := sweeper.Sweep(ctx)
				out := cmd.OutOrStdout()
				for _, obj := range report.Objects {
					fmt.Fprintf(out, "uploaded %s\n", obj)
				}
				fmt.Fprintf(out, "archived %d invitations, purged %d\n", report.Records, report.Purged)
				return err
			})
		},
	}
}

func newAuditCommand() *cobra.Command {
	var (
		email string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent activation events for an address",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := audit.NewPostgresSink(a.Pool).Recent(ctx, email, limit)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Address to show events for")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of events")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newArchiveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect retention archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newArchiveReadCommand())
	cmd.AddCommand(newArchiveVerifyCommand())
	return cmd
}

func newArchiveVerifyCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the signature of an archive manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read manifest: %w", err)
			}
			var m archive.Manifest
			if err := yaml.Unmarshal(data, &m); err != nil {
				return fmt.Errorf("parse manifest: %w", err)
			}
			if err := archive.VerifyManifest(m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "manifest for %s verified (%d records, sha256 %s)\n", m.Object, m.Records, m.SHA256)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "manifest", "", "Manifest file downloaded from the bucket")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func newArchiveReadCommand() *cobra.Command {
	var file, identityFile string

	cmd := &cobra.Command{
		Use:   "read",
		Short: "Decrypt an archive object and print its invitations as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := os.Open(identityFile)
			if err != nil {
				return fmt.Errorf("open identity file: %w", err)
			}
			defer keys.Close()
			identities, err := age.ParseIdentities(keys)
			if err != nil {
				return fmt.Errorf("parse identities: %w", err)
			}

			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer f.Close()

			invs, err := archive.Read(f, identities...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, inv := range invs {
				if err := enc.Encode(inv); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Archive object downloaded from the bucket")
	cmd.Flags().StringVar(&identityFile, "identity-file", "", "age identity file able to decrypt the archive")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("identity-file")
	return cmd
}
