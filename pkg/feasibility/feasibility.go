// Package feasibility maintains the tradable venue+symbol map per token.
//
// Rows are upserted by an external maintenance process; the pipeline treats
// them as read-only input to Gate B.
package feasibility

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mapping is one venue+symbol pair for a token.
type Mapping struct {
	Token    string `json:"token"`
	Venue    string `json:"venue"`
	Symbol   string `json:"symbol"`
	Tradable bool   `json:"tradable"`
}

// Store is the SQLite-backed feasibility map.
type Store struct {
	db *sql.DB
}

// NewStore opens the store and ensures its schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS venue_symbols (
		token      TEXT NOT NULL,
		venue      TEXT NOT NULL,
		symbol     TEXT NOT NULL,
		tradable   INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (token, venue)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Upsert inserts or replaces the mapping for (token, venue).
func (s *Store) Upsert(ctx context.Context, m Mapping) error {
	if m.Token == "" || m.Venue == "" {
		return fmt.Errorf("feasibility: token and venue are required")
	}
	tradable := 0
	if m.Tradable {
		tradable = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO venue_symbols (token, venue, symbol, tradable, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (token, venue) DO UPDATE
		  SET symbol = excluded.symbol,
		      tradable = excluded.tradable,
		      updated_at = excluded.updated_at`,
		m.Token, strings.ToUpper(m.Venue), m.Symbol, tradable, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return nil
}

// MappingsFor returns all mappings for a token.
func (s *Store) MappingsFor(ctx context.Context, token string) ([]Mapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, venue, symbol, tradable FROM venue_symbols WHERE token = ?`, token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Mapping
	for rows.Next() {
		var m Mapping
		var tradable int
		if err := rows.Scan(&m.Token, &m.Venue, &m.Symbol, &tradable); err != nil {
			return nil, err
		}
		m.Tradable = tradable != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// SelectVenue picks the tradable mapping to act on: the primary venue first,
// then the secondary venue, then any tradable venue in lexicographic order.
// Returns nil when no mapping is tradable.
func SelectVenue(mappings []Mapping, primary, secondary string) *Mapping {
	var tradable []Mapping
	for _, m := range mappings {
		if m.Tradable {
			tradable = append(tradable, m)
		}
	}
	if len(tradable) == 0 {
		return nil
	}
	sort.Slice(tradable, func(i, j int) bool { return tradable[i].Venue < tradable[j].Venue })

	for _, want := range []string{primary, secondary} {
		if want == "" {
			continue
		}
		for i := range tradable {
			if strings.EqualFold(tradable[i].Venue, want) {
				return &tradable[i]
			}
		}
	}
	return &tradable[0]
}
