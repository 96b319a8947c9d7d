// cmd/logout.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wweb/internal/observability"
)

// sessionLogouter is the part of *whatsapp.Client the logout command needs.
type sessionLogouter interface {
	Initialize(ctx context.Context) error
	WaitReady(ctx context.Context) error
	Logout(ctx context.Context) error
	Close(ctx context.Context) error
}

func newLogoutCmd() *cobra.Command {
	var (
		unlink  bool
		timeout time.Duration
	)
	logoutCmd := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session; with --unlink also remove the linked device from the phone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger().Named("logout")
			name := cfg.Session().Name

			if unlink {
				client, err := newClientFromConfig(cfg, logger, prometheus.NewRegistry())
				if err != nil {
					return err
				}
				if err := unlinkDevice(ctx, client, timeout); err != nil {
					return err
				}
				cmd.Printf("Device unlinked and session '%s' removed.\n", name)
				return nil
			}

			store, err := openStore(cfg, logger)
			if err != nil {
				return err
			}
			if err := store.Clear(ctx, name); err != nil {
				return err
			}
			logger.Info("Stored session removed.", zap.String("session", name))
			cmd.Printf("Session '%s' removed.\n", name)
			return nil
		},
	}
	logoutCmd.Flags().BoolVar(&unlink, "unlink", false, "connect first and unlink this device from the phone")
	logoutCmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the stored session to become ready")
	return logoutCmd
}

// unlinkDevice restores the session, logs it out and closes the client, which clears
// the stored session.
func unlinkDevice(ctx context.Context, client sessionLogouter, timeout time.Duration) (err error) {
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if cerr := client.Close(cctx); cerr != nil && err == nil {
			err = cerr
		}
	}()

	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Initialize(wctx); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if err := client.WaitReady(wctx); err != nil {
		return fmt.Errorf("stored session did not become ready (is it paired?): %w", err)
	}
	return client.Logout(ctx)
}
