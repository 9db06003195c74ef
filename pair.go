package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wa-bulk-sender/types"
	"wa-bulk-sender/utils"
)

func pairCmd() *cobra.Command {
	var (
		tenant  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Link a tenant by scanning a QR code in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.logFile.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			err = pair(ctx, rt, tenant, cmd)

			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if serr := rt.registry.Shutdown(shutdownCtx); serr != nil {
				rt.log.Warn().Err(serr).Msg("Session shutdown did not finish")
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id to pair")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "give up after this long")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

// pair polls the session and prints every new pairing code until the
// tenant is ready.
func pair(ctx context.Context, rt *runtime, tenant string, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	if _, err := rt.registry.Initialize(ctx, tenant); err != nil {
		return err
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var shown string
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing %s: %w", tenant, ctx.Err())
		case <-ticker.C:
		}

		st, err := rt.registry.Status(tenant)
		if err != nil {
			return err
		}
		switch st.Status {
		case types.StatusReady:
			fmt.Fprintf(out, "Tenant %s is linked and ready\n", tenant)
			return nil
		case types.StatusDisconnected:
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return fmt.Errorf("pairing %s: session disconnected", tenant)
		case types.StatusQRReady:
			info, err := rt.registry.PairingInfo(tenant)
			if err != nil {
				return err
			}
			if info.Payload == nil || *info.Payload == shown {
				continue
			}
			code, err := utils.QRTerminal(*info.Payload)
			if err != nil {
				return err
			}
			shown = *info.Payload
			fmt.Fprintf(out, "Scan with WhatsApp > Linked devices:\n%s\n", code)
		}
	}
}
