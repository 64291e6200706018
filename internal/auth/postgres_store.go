package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, address, name, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key.ID, key.Hash, key.Address.Hex(), key.Name, key.CreatedAt, key.Revoked)
	return err
}

// GetByHash retrieves a live API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, `
		SELECT id, hash, address, name, created_at, last_used, revoked
		FROM api_keys WHERE hash = $1 AND revoked = FALSE
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByAddress retrieves all API keys for an address, newest first
func (p *PostgresStore) GetByAddress(ctx context.Context, addr common.Address) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, hash, address, name, created_at, last_used, revoked
		FROM api_keys WHERE address = $1 ORDER BY created_at DESC
	`, addr.Hex())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation is sticky.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used = GREATEST(last_used, $1::TIMESTAMPTZ),
		    revoked = revoked OR $2
		WHERE id = $3
	`, lastUsed, key.Revoked, key.ID)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKey(s rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var addr string
	var lastUsed sql.NullTime
	if err := s.Scan(&key.ID, &key.Hash, &addr, &key.Name, &key.CreatedAt, &lastUsed, &key.Revoked); err != nil {
		return nil, err
	}
	key.Address = common.HexToAddress(addr)
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}
