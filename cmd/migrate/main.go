package main

import (
	"errors"
	"flag"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lipila/withdrawal-service/internal/config"
	"github.com/lipila/withdrawal-service/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	var command string
	var version int
	flag.StringVar(&command, "cmd", "up", "Command to run: up, down, force, version")
	flag.IntVar(&version, "v", -1, "Version for force command")
	flag.Parse()

	_ = logger.Init(os.Getenv("APP_ENV"))
	defer logger.Sync()
	log := logger.For("migrate")

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	m, err := migrate.New(cfg.MigrationsPath, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("migration init failed", zap.Error(err))
	}
	defer m.Close()

	switch command {
	case "up":
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration up failed", zap.Error(err))
		}
		log.Info("migration up done")
	case "down":
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("migration down failed", zap.Error(err))
		}
		log.Info("migration down done")
	case "force":
		if version == -1 {
			log.Fatal("version (-v) is required for force command")
		}
		if err := m.Force(version); err != nil {
			log.Fatal("migration force failed", zap.Error(err))
		}
		log.Info("migration version forced", zap.Int("version", version))
	case "version":
		v, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			log.Fatal("migration version lookup failed", zap.Error(err))
		}
		log.Info("migration version", zap.Uint("version", v), zap.Bool("dirty", dirty))
	default:
		log.Fatal("unknown command", zap.String("cmd", command))
	}
}
