package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sportsed/sportsed/admin"
	"github.com/sportsed/sportsed/cfg"
	"github.com/sportsed/sportsed/engine"
	"github.com/sportsed/sportsed/server"
	"github.com/sportsed/sportsed/telemetry"
	"github.com/sportsed/sportsed/validate"
)

func main() {
	flag.Parse()

	if err := cfg.Load(*cfg.ConfigPathFlag); err != nil {
		log.Fatal().Err(err).Msg("Unable to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging()
	telemetry.InitializeTelemetry()

	db, err := sql.Open(cfg.EffectiveDriver(), cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to open database")
	}
	defer db.Close()
	if cfg.EffectiveDriver() == "sqlite3" {
		// one writer; the engine serializes mutations anyway
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Str("driver", cfg.EffectiveDriver()).Msg("Unable to reach database")
	}

	registry := validate.NewRegistry()
	if err := prepareSchema(ctx, db, registry); err != nil {
		log.Fatal().Err(err).Msg("Unable to prepare database schema")
	}

	eng, err := engine.New(db, cfg.EffectiveDriver(), registry)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to initialize database engine")
	}

	trace, err := server.NewChangeTrace(cfg.Config.Logging.TraceTables)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid change trace configuration")
	}

	srv := server.NewServer(eng, cfg.Config.Password, trace)

	collector := telemetry.NewMetricsCollector(srv, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(srv))
	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	if err := srv.Start(cfg.Config.Listen.BindAddress, cfg.Config.Listen.Port, mux); err != nil {
		log.Fatal().Err(err).Int("port", cfg.Config.Listen.Port).Msg("Unable to start server")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	srv.Stop()
}

func setupLogging() {
	if cfg.Config.Logging.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level := zerolog.InfoLevel
	if cfg.Config.Logging.Verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Logger.With().Uint64("server_id", cfg.Config.ServerID).Logger()
}

// prepareSchema brings the database to the current schema version: a
// virgin database gets the full schema, an older one is upgraded, a newer
// one refuses to start.
func prepareSchema(ctx context.Context, db *sql.DB, registry *validate.Registry) error {
	migrator := engine.NewMigrator(db, cfg.EffectiveDriver(), registry)
	version, err := migrator.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	switch {
	case version < 0:
		return migrator.Create(ctx)
	case version < engine.SchemaVersion:
		return migrator.Upgrade(ctx)
	case version > engine.SchemaVersion:
		return fmt.Errorf("database schema version %d is newer than this build supports (%d)",
			version, engine.SchemaVersion)
	default:
		return migrator.Check(ctx)
	}
}
