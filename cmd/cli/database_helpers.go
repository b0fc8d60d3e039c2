package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/anstrom/lanwatch/internal/config"
	"github.com/anstrom/lanwatch/internal/db"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(ctx context.Context, cfg *config.Config, database *db.DB) error

// connectDatabase opens the store; tests replace it.
var connectDatabase = db.Connect

// loadCommandConfig resolves the configuration for a command; tests replace it.
var loadCommandConfig = loadConfig

// withDatabase loads the configuration, connects, runs operation and closes
// the connection.
func withDatabase(ctx context.Context, operation DatabaseOperation) error {
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}

	database, err := connectDatabase(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(ctx, cfg, database)
}
