package main

import (
	"os"

	"github.com/nimasrn/message-dispatcher/internal/config"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/pg"
)

const defaultMigrationDir = "./migrations"

// main.go --dir=./migrations --env=.env
func main() {
	envPath := config.EnvPathFromArgs(os.Args)
	if envPath == "" {
		if _, err := os.Stat(".env"); err == nil {
			envPath = ".env"
		}
	}
	if err := config.Load(envPath); err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	dir := config.ArgValue(os.Args, "dir")
	if dir == "" {
		dir = defaultMigrationDir
	}
	if _, err := os.Stat(dir); err != nil {
		logger.Error("migration directory not found", "dir", dir, "error", err)
		os.Exit(1)
	}

	if err := pg.Migrate(config.Get().PostgresWrite(), dir); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}
