package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/phicore/internal/platform/auth"
	"github.com/ehr/phicore/internal/platform/hipaa"
)

// withApp runs fn against a fully wired core outside the HTTP server.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()
	return fn(ctx, a)
}

// operatorContext attributes CLI-driven audit entries to the named operator.
func operatorContext(ctx context.Context, operator string) context.Context {
	return auth.WithCaller(ctx, &auth.Caller{
		UserID:      operator,
		Role:        auth.RoleAdmin,
		DisplayName: "phicore-server CLI",
	})
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Audit retention maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete audit entries past their retention horizon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.sweeper.SweepNow(ctx)
				if err != nil {
					return fmt.Errorf("retention sweep: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired audit entr%s.\n", n, plural(n, "y", "ies"))
				return nil
			})
		},
	})
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage per-entity encryption keys",
	}
	cmd.PersistentFlags().String("operator", "cli", "User id recorded on the audit entry")

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate <owner>",
		Short: "Rotate the active data key for an owner entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				id, err := a.crypto.Rotate(operatorContext(ctx, operator), args[0])
				if err != nil {
					return fmt.Errorf("rotate key for %s: %w", args[0], err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "New active key for %s: %s\n", args[0], id)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "history <owner>",
		Short: "List every key an owner entity has had",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator, _ := cmd.Flags().GetString("operator")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				keys, err := a.crypto.History(operatorContext(ctx, operator), args[0])
				if err != nil {
					return fmt.Errorf("key history for %s: %w", args[0], err)
				}
				printKeyHistory(cmd.OutOrStdout(), keys)
				return nil
			})
		},
	})
	return cmd
}

func printKeyHistory(w io.Writer, keys []*hipaa.KeyRecord) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY ID\tSTATUS\tALGORITHM\tCREATED\tRETIRED")
	for _, k := range keys {
		retired := "-"
		if k.RetiredAt != nil {
			retired = k.RetiredAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.KeyID, k.Status, k.Algorithm, k.CreatedAt.UTC().Format(time.RFC3339), retired)
	}
	tw.Flush()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
