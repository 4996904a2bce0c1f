package postgres

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes how the store reaches PostgreSQL.
type Config struct {
	DSN string

	// Pool bounds. Benches hold sessions briefly, so a small pool goes far.
	MaxConns int32 // default 25
	MinConns int32 // default 2

	// MaxConnIdle recycles connections left idle behind a load balancer.
	MaxConnIdle time.Duration // default 10m

	// StatementTimeout caps every statement server-side so a stuck
	// query cannot hold a session row lock indefinitely. Zero leaves the
	// server setting alone.
	StatementTimeout time.Duration

	// Migrate applies pending schema migrations before the store is used.
	Migrate bool
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 25
	}
	if c.MinConns <= 0 {
		c.MinConns = min(2, c.MaxConns)
	}
	if c.MaxConnIdle <= 0 {
		c.MaxConnIdle = 10 * time.Minute
	}
	return c
}

// poolConfig turns c into a pgxpool configuration tagged with the
// application name, so connections are identifiable in pg_stat_activity.
func (c Config) poolConfig() (*pgxpool.Config, error) {
	c = c.withDefaults()
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnIdleTime = c.MaxConnIdle

	params := pc.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = "labflow"
	}
	if c.StatementTimeout > 0 {
		params["statement_timeout"] = strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10)
	}
	return pc, nil
}
