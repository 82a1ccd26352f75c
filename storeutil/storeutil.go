package storeutil

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" /*nolint*/
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v4/stdlib" /*nolint*/
)

// MigrateAndConnectToDB applies the migrations found at dir in migrations and
// returns a connection pool to postgresURI.
func MigrateAndConnectToDB(postgresURI string, migrations fs.FS, dir string) (*sql.DB, error) {
	// To avoid dealing with time zone issues, we just enforce UTC timezone
	if !strings.Contains(postgresURI, "timezone=UTC") {
		return nil, errors.New("timezone=UTC is required in postgres URI")
	}
	d, err := iofs.New(migrations, dir)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %s", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, postgresURI)
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %s", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("running migrations: %s", err)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		return nil, fmt.Errorf("closing migrator: %v, %v", srcErr, dbErr)
	}
	conn, err := sql.Open("pgx", postgresURI)
	if err != nil {
		return nil, err
	}

	return conn, nil
}
