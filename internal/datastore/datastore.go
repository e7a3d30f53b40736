// Package datastore provides read-only access to the OMOP CDM
// PostgreSQL database that studies analyze. The coordinator itself
// never writes to it; study scripts connect on their own using the
// connection parameters exposed through ScriptEnv.
package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/indicate-spe/spe-core/internal/config"
)

// ErrUnavailable indicates the OMOP database could not be reached.
var ErrUnavailable = errors.New("data store unavailable")

// Summary holds dataset-level statistics over the OMOP CDM schema.
type Summary struct {
	TotalPatients    int64     `json:"total_patients"`
	TotalVisits      int64     `json:"total_visits"`
	ICUStays         int64     `json:"icu_stays"`
	DateRange        DateRange `json:"date_range"`
	AvailableDomains []string  `json:"available_domains"`
}

// DateRange is the span of recorded visits.
type DateRange struct {
	Earliest string `json:"earliest"`
	Latest   string `json:"latest"`
}

// Store is a handle to the OMOP CDM database.
type Store struct {
	db  *sql.DB
	cfg config.DataStoreConfig
}

// Open connects to the OMOP database. The password from cfg goes into
// the driver DSN only; it is never included in errors or log output.
func Open(cfg config.DataStoreConfig) (*Store, error) {
	db, err := sql.Open("postgres", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("open data store %s: %w", Addr(cfg), err)
	}
	db.SetMaxOpenConns(5)
	return &Store{db: db, cfg: cfg}, nil
}

// Addr renders the connection target without credentials, safe for
// logs and error messages.
func Addr(cfg config.DataStoreConfig) string {
	return fmt.Sprintf("%s:%d/%s", cfg.Host, cfg.Port, cfg.Database)
}

func dsn(cfg config.DataStoreConfig) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, Addr(s.cfg))
	}
	return nil
}

// ScriptEnv returns the connection parameters handed to study scripts.
// Scripts open their own database connection from these.
func (s *Store) ScriptEnv() map[string]string {
	return map[string]string{
		"DATABASE_HOST":     s.cfg.Host,
		"DATABASE_PORT":     fmt.Sprintf("%d", s.cfg.Port),
		"DATABASE_NAME":     s.cfg.Database,
		"DATABASE_USER":     s.cfg.User,
		"DATABASE_PASSWORD": s.cfg.Password,
	}
}

// domainTables maps OMOP clinical domains to the table whose row count
// determines availability. Order is the order domains are reported in.
var domainTables = []struct {
	domain string
	table  string
}{
	{"Condition", "cdm.condition_occurrence"},
	{"Drug", "cdm.drug_exposure"},
	{"Procedure", "cdm.procedure_occurrence"},
	{"Measurement", "cdm.measurement"},
	{"Observation", "cdm.observation"},
}

// Summary computes dataset statistics from the CDM tables.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{AvailableDomains: []string{}}

	counts := []struct {
		query string
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM cdm.person", &sum.TotalPatients},
		{"SELECT COUNT(*) FROM cdm.visit_occurrence", &sum.TotalVisits},
		{"SELECT COUNT(*) FROM cdm.visit_detail", &sum.ICUStays},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	var earliest, latest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(visit_start_date)::text, MAX(visit_end_date)::text FROM cdm.visit_occurrence`,
	).Scan(&earliest, &latest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	sum.DateRange = DateRange{Earliest: earliest.String, Latest: latest.String}

	for _, d := range domainTables {
		var n int64
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+d.table).Scan(&n); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if n > 0 {
			sum.AvailableDomains = append(sum.AvailableDomains, d.domain)
		}
	}

	return sum, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
