package data

import (
	"context"
	"fmt"
)

// Open builds the store selected by driver and connects it
func Open(ctx context.Context, driver, connectionString string) (Database, error) {
	var db Database
	switch driver {
	case "mongo":
		db = &MongoDB{ConnectionString: connectionString}
	case "postgres":
		db = &Postgres{ConnectionString: connectionString}
	case "sqlite":
		db = &SQLite{Path: connectionString}
	default:
		return nil, fmt.Errorf("unknown db driver %q", driver)
	}
	if err := db.Connect(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
