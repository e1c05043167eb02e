package commands

import (
	"database/sql"

	"github.com/ensembleworks/ensemble/config"
	"github.com/ensembleworks/ensemble/db"
	"github.com/ensembleworks/ensemble/errors"
	"github.com/ensembleworks/ensemble/logger"
)

// openDatabase opens and migrates the Ensemble database. An explicit
// path overrides the configured one.
func openDatabase(cfg *config.Config, path string) (*sql.DB, error) {
	if path == "" {
		path = cfg.GetDatabasePath()
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return database, nil
}
