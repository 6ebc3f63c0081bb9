package oracle

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/alswitch/internal/fspiop"
)

// PostgresStore reads oracle descriptors from the oracle_endpoints table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed oracle store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts d and sets its id and creation time.
func (p *PostgresStore) Create(ctx context.Context, d *Descriptor) error {
	var currency sql.NullString
	if d.Currency != nil {
		currency = sql.NullString{String: *d.Currency, Valid: true}
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO oracle_endpoints (party_id_type, currency, value, is_default, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, string(d.PartyIDType), currency, d.BaseURL, d.IsDefault, d.IsActive).Scan(&d.ID, &d.CreatedAt)
}

func (p *PostgresStore) ByType(ctx context.Context, t fspiop.PartyIDType) ([]Descriptor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, party_id_type, currency, value, is_default, is_active, created_at
		FROM oracle_endpoints
		WHERE party_id_type = $1 AND is_active = TRUE
		ORDER BY id
	`, string(t))
	if err != nil {
		return nil, fmt.Errorf("query oracles by type: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDescriptors(rows)
}

func (p *PostgresStore) ByTypeAndCurrency(ctx context.Context, t fspiop.PartyIDType, currency string) ([]Descriptor, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, party_id_type, currency, value, is_default, is_active, created_at
		FROM oracle_endpoints
		WHERE party_id_type = $1 AND UPPER(currency) = UPPER($2) AND is_active = TRUE
		ORDER BY id
	`, string(t), currency)
	if err != nil {
		return nil, fmt.Errorf("query oracles by type and currency: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanDescriptors(rows)
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func scanDescriptors(rows *sql.Rows) ([]Descriptor, error) {
	var out []Descriptor
	for rows.Next() {
		var d Descriptor
		var idType string
		var currency sql.NullString
		if err := rows.Scan(&d.ID, &idType, &currency, &d.BaseURL, &d.IsDefault, &d.IsActive, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.PartyIDType = fspiop.PartyIDType(idType)
		if currency.Valid {
			c := currency.String
			d.Currency = &c
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
