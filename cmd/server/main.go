package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/breed-api/internal/config"
	"github.com/Brownie44l1/breed-api/internal/logging"
)

var (
	BuildVersion = "dev"
	BuildCommit  = "none"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "breed-api",
	Short: "Cattle and buffalo breed identification API",
	Long:  `breed-api serves an ONNX image classifier over HTTP and returns the
most likely breeds for an uploaded photo.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		if short, _ := cmd.Flags().GetBool("short"); short {
			fmt.Println(BuildVersion)
			return
		}
		fmt.Printf("breed-api %s\n", BuildVersion)
		fmt.Printf("Commit: %s\n", BuildCommit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.toml)")
	versionCmd.Flags().BoolP("short", "s", false, "Show only version number")
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := chdirProjectRoot(); err != nil {
		return err
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = BuildVersion
	}

	logger, err := logging.New(&cfg.Logging, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	logger.Info("breed-api starting",
		"version", cfg.Version,
		"addr", cfg.Server.Addr(),
		"env", cfg.Env(),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.Error("server init failed", "error", err)
		return err
	}

	srv.Start()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-srv.http.Errors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	srv.Shutdown(shutdownCtx)

	logger.Info("breed-api stopped")
	return runErr
}

// chdirProjectRoot lets relative model paths resolve when run from cmd/server.
func chdirProjectRoot() error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return os.Chdir(filepath.Join(wd, "..", ".."))
	}
	return nil
}
