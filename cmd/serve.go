package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/bundlevault/internal/server"
)

var (
	servePort     int
	serveAllowAll bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server that loads versions and serves their handles",
	Long: `Starts the bundlevault HTTP server. Clients load a version with
POST /api/load/{version} (or follow /play/{version}) and fetch the
rewritten documents and assets from /blobs/{id}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if servePort != 0 {
			cfg.Port = servePort
		}

		a, err := newApp(cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		srv := server.New(server.Config{
			Port:           cfg.Port,
			AllowAll:       serveAllowAll,
			RequestTimeout: cfg.RequestTimeout,
		}, a.loader, a.registry, a.trail, logger)

		// Graceful shutdown.
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			<-ctx.Done()
			fmt.Fprintln(os.Stderr, "\nShutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		fmt.Fprintf(os.Stderr, "bundlevault %s starting on port %d\n", Version, cfg.Port)
		fmt.Fprintf(os.Stderr, "  Store: %s\n", a.store.Root())
		fmt.Fprintf(os.Stderr, "  Handles: %s\n", a.registry.Prefix())

		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&serveAllowAll, "allow-all-origins", false, "Allow every CORS origin")
	rootCmd.AddCommand(serveCmd)
}
