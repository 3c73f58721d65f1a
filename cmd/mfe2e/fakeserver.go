package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/memfault/yocto-e2e/internal/fakeservice"
)

const fakeServerShutdownTimeout = 5 * time.Second

func newFakeServerCommand(a *app) *cobra.Command {
	var (
		addr    string
		org     string
		project string
		token   string
		devices []string
	)
	cmd := &cobra.Command{
		Use:   "fake-server",
		Short: "Serve an in-memory stand-in for the Memfault project API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server := fakeservice.New(fakeservice.Options{
				OrgSlug:     org,
				ProjectSlug: project,
				Token:       token,
				Logger:      a.logger,
			})
			for _, serial := range devices {
				server.AddDevice(serial, a.cfg.HardwareVersion)
			}

			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "serving fake Memfault API on http://%s (org %s, project %s)\n",
				listener.Addr(), org, project)
			return serve(cmd.Context(), listener, server.Handler())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "127.0.0.1:8000", "listen address")
	flags.StringVar(&org, "org", orDefault(a.cfg.Memfault.OrgSlug, "e2e-org"), "organization slug")
	flags.StringVar(&project, "project", orDefault(a.cfg.Memfault.ProjectSlug, "e2e-project"), "project slug")
	flags.StringVar(&token, "token", orDefault(a.cfg.Memfault.OrgToken, "e2e-token"), "organization token clients must present")
	flags.StringArrayVar(&devices, "device", nil, "serial of a device to pre-register (repeatable)")
	return cmd
}

// serve runs handler until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, listener net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), fakeServerShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shut down fake server: %w", err)
	}
	return nil
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
