// Package migrations holds the schema of the sales store for each supported driver.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"demand-forecast/pkg/database"
	"demand-forecast/pkg/logging"
)

//go:embed postgres/*.sql sqlite3/*.sql
var files embed.FS

// Direction selects the up or down half of each migration
type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// ParseDirection accepts "up" or "down"
func ParseDirection(s string) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case Up:
		return Up, nil
	case Down:
		return Down, nil
	default:
		return "", fmt.Errorf("unknown migration direction %q, expected up or down", s)
	}
}

// Script is one migration file
type Script struct {
	Name string
	SQL  string
}

// Scripts returns the migration files of driver in execution order. Up
// migrations run in ascending name order, down migrations in descending.
func Scripts(driver string, direction Direction) ([]Script, error) {
	if driver == "" {
		driver = database.DriverPostgres
	}

	pattern := fmt.Sprintf("%s/*.%s.sql", driver, direction)
	names, err := fs.Glob(files, pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no %s migrations for driver %q", direction, driver)
	}

	sort.Strings(names)
	if direction == Down {
		sort.Sort(sort.Reverse(sort.StringSlice(names)))
	}

	scripts := make([]Script, 0, len(names))
	for _, name := range names {
		content, err := files.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		scripts = append(scripts, Script{Name: name, SQL: string(content)})
	}

	return scripts, nil
}

// Apply runs every migration of direction against db
func Apply(ctx context.Context, db *database.DB, direction Direction, logger *logging.StructuredLogger) error {
	scripts, err := Scripts(db.DriverName(), direction)
	if err != nil {
		return err
	}

	for _, script := range scripts {
		logger.Info(ctx, "[MIGRATION_RUN] Running migration", logging.Fields{
			"file": script.Name,
		})

		if _, err := db.ExecContext(ctx, "migration", script.SQL); err != nil {
			return fmt.Errorf("migration %s failed: %w", script.Name, err)
		}
	}

	logger.Info(ctx, "[MIGRATION_COMPLETE] Migrations applied", logging.Fields{
		"direction": string(direction),
		"count":     len(scripts),
	})

	return nil
}
