// Package sqlstore implements the read-only policy configuration
// adapter over MySQL/MariaDB. Every query is a short indexed lookup;
// connection pooling is handled by database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"chapps/internal/config"
	"chapps/internal/policy"
)

const (
	quotaQuery = `SELECT q.quota FROM quotas q
		JOIN quota_user j ON j.quota_id = q.id
		JOIN users u ON u.id = j.user_id
		WHERE u.name = ?`
	domainQuery = `SELECT COUNT(*) FROM domain_user j
		JOIN users u ON u.id = j.user_id
		JOIN domains d ON d.id = j.domain_id
		WHERE u.name = ? AND d.name = ?`
	emailQuery = `SELECT COUNT(*) FROM email_user j
		JOIN users u ON u.id = j.user_id
		JOIN emails e ON e.id = j.email_id
		WHERE u.name = ? AND e.name = ?`
	flagsQuery = `SELECT greylist, check_spf FROM domains WHERE name = ?`
)

// queryTimeout bounds each config-store round trip. It is deliberately
// longer than the Redis timeout; a config query happens at most once
// per request, on a cold cache miss.
const queryTimeout = 5 * time.Second

// Store answers the engines' configuration queries from the relational
// store. It implements policy.ConfigStore.
type Store struct {
	db *sql.DB

	quotaForUser  *sql.Stmt
	domainForUser *sql.Stmt
	emailForUser  *sql.Stmt
	domainFlags   *sql.Stmt
}

// Open connects to the configured database and prepares the projection
// queries.
func Open(cfg config.AdapterConfig) (*Store, error) {
	dsn := mysql.Config{
		User:                 cfg.DBUser,
		Passwd:               cfg.DBPass,
		Net:                  "tcp",
		Addr:                 fmt.Sprintf("%s:%d", cfg.DBHost, cfg.DBPort),
		DBName:               cfg.DBName,
		AllowNativePasswords: true,
	}
	db, err := sql.Open("mysql", dsn.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening config database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(time.Minute)

	s := &Store{db: db}
	for _, p := range []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&s.quotaForUser, quotaQuery},
		{&s.domainForUser, domainQuery},
		{&s.emailForUser, emailQuery},
		{&s.domainFlags, flagsQuery},
	} {
		*p.stmt, err = db.Prepare(p.query)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("preparing config query: %w", err)
		}
	}
	return s, nil
}

// QuotaForUser returns the user's configured transmission limit, or
// ok=false when the user has no quota profile.
func (s *Store) QuotaForUser(ctx context.Context, user string) (int, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var quota int
	err := s.quotaForUser.QueryRowContext(ctx, user).Scan(&quota)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("quota lookup for %s: %w", user, err)
	}
	return quota, true, nil
}

// CheckDomainForUser reports whether the user is associated with the domain.
func (s *Store) CheckDomainForUser(ctx context.Context, user, domain string) (bool, error) {
	return s.checkAssociation(ctx, s.domainForUser, user, domain)
}

// CheckEmailForUser reports whether the user is associated with the
// full email address.
func (s *Store) CheckEmailForUser(ctx context.Context, user, email string) (bool, error) {
	return s.checkAssociation(ctx, s.emailForUser, user, email)
}

func (s *Store) checkAssociation(ctx context.Context, stmt *sql.Stmt, user, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	if err := stmt.QueryRowContext(ctx, user, name).Scan(&count); err != nil {
		return false, fmt.Errorf("association lookup for %s: %w", user, err)
	}
	return count > 0, nil
}

// DomainFlags returns the inbound enforcement flags for a domain.
// A domain without a configuration record yields Exists=false.
func (s *Store) DomainFlags(ctx context.Context, domain string) (policy.DomainFlags, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var flags policy.DomainFlags
	err := s.domainFlags.QueryRowContext(ctx, domain).Scan(&flags.Greylist, &flags.CheckSPF)
	if err == sql.ErrNoRows {
		return policy.DomainFlags{}, nil
	}
	if err != nil {
		return policy.DomainFlags{}, fmt.Errorf("domain flags lookup for %s: %w", domain, err)
	}
	flags.Exists = true
	return flags, nil
}

// Close releases the prepared statements and the connection pool.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.quotaForUser, s.domainForUser, s.emailForUser, s.domainFlags} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	return s.db.Close()
}
