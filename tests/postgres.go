package tests

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/ory/dockertest/v3"
)

const (
	pgImage    = "postgres"
	pgTag      = "13-alpine"
	pgPassword = "postgres"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// PostgresURL returns the URL of a fresh database for a test. The server is
// the one at PG_URL if the envvar is set, or a docker container started once
// per test binary.
func PostgresURL() (string, error) {
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		containerOnce.Do(func() {
			containerURL, containerErr = startPostgres()
		})
		if containerErr != nil {
			return "", containerErr
		}
		pgURL = containerURL
	}
	cfg, err := pgx.ParseConfig(pgURL)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close(ctx) }()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var dbName string
	for i := 0; ; i++ {
		dbName = fmt.Sprintf("db%d", r.Uint64())
		_, err = conn.Exec(ctx, "CREATE DATABASE "+dbName+";")
		if err == nil {
			break
		}
		if i >= 10 {
			return "", err
		}
	}
	u, err := url.Parse(pgURL)
	if err != nil {
		return "", err
	}
	u.Path = dbName
	return u.String(), nil
}

func startPostgres() (string, error) {
	pool, err := dockertest.NewPool("")
	if err != nil {
		return "", fmt.Errorf("connecting to docker: %s", err)
	}
	container, err := pool.Run(pgImage, pgTag, []string{"POSTGRES_PASSWORD=" + pgPassword})
	if err != nil {
		return "", fmt.Errorf("starting postgres: %s", err)
	}
	if err := container.Expire(300); err != nil {
		return "", err
	}
	pgURL := fmt.Sprintf("postgres://postgres:%s@127.0.0.1:%s/postgres?sslmode=disable&timezone=UTC",
		pgPassword, container.GetPort("5432/tcp"))

	pool.MaxWait = time.Minute
	if err := pool.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		conn, err := pgx.Connect(ctx, pgURL)
		if err != nil {
			return err
		}
		return conn.Close(ctx)
	}); err != nil {
		_ = pool.Purge(container)
		return "", fmt.Errorf("waiting for postgres: %s", err)
	}
	return pgURL, nil
}
