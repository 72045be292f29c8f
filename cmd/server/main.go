package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codex-lb/codex-lb/internal/config"
	"github.com/codex-lb/codex-lb/internal/engine"
	"github.com/codex-lb/codex-lb/internal/pkg/crypto"
	"github.com/codex-lb/codex-lb/internal/server"
	"github.com/codex-lb/codex-lb/internal/setup"
	"github.com/codex-lb/codex-lb/internal/store/accountstore"
)

//go:embed VERSION
var embeddedVersion string

// Build-time variables (can be set by ldflags).
var (
	Version   = ""
	Commit    = "unknown"
	Date      = "unknown"
	BuildType = "source" // "source" for manual builds, "release" for CI builds
)

func init() {
	Version = strings.TrimSpace(embeddedVersion)
	if Version == "" {
		Version = "0.0.0-dev"
	}
}

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	migratePath := flag.String("migrate-legacy-accounts", "", "Path to a legacy accounts JSON export to import, then exit")
	migrateInteractive := flag.Bool("migrate-legacy-accounts-interactive", false, "Prompt for the legacy accounts export path, then exit")
	initConfigPath := flag.String("init-config", "", "Write a starter config.yaml to this path, then exit")
	flag.Parse()

	if *showVersion {
		log.Printf("codex-lb %s (commit: %s, built: %s)\n", Version, Commit, Date)
		return
	}

	if *initConfigPath != "" {
		if err := setup.WriteSampleConfig(*initConfigPath); err != nil {
			log.Fatalf("Failed to write sample config: %v", err)
		}
		log.Printf("Wrote starter config to %s", *initConfigPath)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *migratePath != "" {
		runMigrate(cfg, *migratePath)
		return
	}

	if *migrateInteractive {
		runMigrateInteractive(cfg)
		return
	}

	runMainServer(cfg)
}

func openMigrationDeps(cfg *config.Config) (*accountstore.Store, *crypto.Service) {
	accounts, err := engine.OpenAccountsOnly(cfg)
	if err != nil {
		log.Fatalf("Failed to open accounts store: %v", err)
	}

	keyBytes, err := os.ReadFile(cfg.Encryption.KeyFile)
	if err != nil {
		log.Fatalf("Failed to read encryption key file: %v", err)
	}
	return accounts, crypto.NewService(keyBytes, engine.CryptoSalt)
}

func runMigrate(cfg *config.Config, path string) {
	accounts, cryptoSvc := openMigrationDeps(cfg)
	defer accounts.Close()

	count, err := setup.MigrateLegacyAccounts(context.Background(), path, accounts, cryptoSvc)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Printf("Imported %d legacy account(s) from %s", count, path)
}

func runMigrateInteractive(cfg *config.Config) {
	accounts, cryptoSvc := openMigrationDeps(cfg)
	defer accounts.Close()

	if err := setup.RunCLI(context.Background(), accounts, cryptoSvc); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func runMainServer(cfg *config.Config) {
	app, err := engine.Build(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Cleanup()

	router := server.NewRouter(cfg, app.Pipeline)
	httpServer := server.NewHTTPServer(cfg, router)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("Server started on %s", httpServer.Addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
