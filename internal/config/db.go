package config

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

// NewDB opens a pgx-backed *sql.DB and verifies connectivity before handing
// it out.
func NewDB(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, domain.ErrMissingField("DATABASE_URL")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, domain.ErrDBUnavailable(err)
	}

	db.SetMaxOpenConns(GetInt("DB_MAX_OPEN_CONNS", 20))
	db.SetMaxIdleConns(GetInt("DB_MAX_IDLE_CONNS", 10))
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(60 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, domain.ErrDBUnavailable(err)
	}
	return db, nil
}
