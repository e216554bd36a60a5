package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/md-rashed-zaman/citizenbook/libs/config"
	"github.com/md-rashed-zaman/citizenbook/libs/db"
	"github.com/md-rashed-zaman/citizenbook/libs/runtime"
	"github.com/md-rashed-zaman/citizenbook/services/booking-service/migrations"
)

// Usage: migrate [up | down <steps> | force <version> | version]
func main() {
	_ = godotenv.Load()
	logger := runtime.NewLogger("booking-migrate")

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}

	m, err := db.NewMigrator(dbURL, migrations.FS)
	if err != nil {
		logger.Error("migrator init failed", "err", err)
		os.Exit(1)
	}
	defer m.Close()

	if err := run(m, os.Args[1:]); err != nil {
		logger.Error("migration failed", "err", err)
		m.Close()
		os.Exit(1)
	}
	version, dirty, err := m.Version()
	if err != nil {
		logger.Error("read version failed", "err", err)
		return
	}
	logger.Info("migrations complete", "version", version, "dirty", dirty)
}

func run(m *db.Migrator, args []string) error {
	cmd := "up"
	if len(args) > 0 {
		cmd = args[0]
	}
	switch cmd {
	case "up":
		return m.Up()
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid step count %q", args[1])
			}
			steps = n
		}
		return m.Down(steps)
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("force requires a version")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		return m.Force(v)
	case "version":
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
