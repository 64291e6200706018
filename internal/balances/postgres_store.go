package balances

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed balance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) GetBalance(ctx context.Context, addr common.Address) (*Balance, error) {
	bal, err := getBalance(ctx, p.db, addr, "")
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}
	return bal, nil
}

func getBalance(ctx context.Context, q queryRower, addr common.Address, suffix string) (*Balance, error) {
	var available, deposited, escrowed, received string
	bal := &Balance{Address: addr}
	err := q.QueryRowContext(ctx, `
		SELECT available::TEXT, deposited::TEXT, escrowed::TEXT, received::TEXT, updated_at
		FROM balances WHERE address = $1`+suffix,
		addr.Hex(),
	).Scan(&available, &deposited, &escrowed, &received, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return zeroBalance(addr), nil
	}
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst **uint256.Int
		src string
	}{
		{&bal.Available, available},
		{&bal.Deposited, deposited},
		{&bal.Escrowed, escrowed},
		{&bal.Received, received},
	} {
		if *f.dst, err = uint256.FromDecimal(f.src); err != nil {
			return nil, fmt.Errorf("corrupt balance %q for %s: %w", f.src, addr.Hex(), err)
		}
	}
	return bal, nil
}

// Apply locks the balance row, computes the new balance and writes both the
// entry and the balance in one transaction.
func (p *PostgresStore) Apply(ctx context.Context, e *Entry) (*Balance, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Create the row first so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (address, updated_at) VALUES ($1, $2)
		ON CONFLICT (address) DO NOTHING`,
		e.Address.Hex(), e.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create balance: %w", err)
	}

	cur, err := getBalance(ctx, tx, e.Address, " FOR UPDATE")
	if err != nil {
		return nil, fmt.Errorf("failed to lock balance: %w", err)
	}
	next, err := cur.apply(e)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balance_entries (id, address, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, e.Address.Hex(), string(e.Type), e.Amount.Dec(), e.Reference, e.CreatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateEntry
		}
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET available = $2::NUMERIC, deposited = $3::NUMERIC, escrowed = $4::NUMERIC,
		    received = $5::NUMERIC, updated_at = $6
		WHERE address = $1`,
		e.Address.Hex(), next.Available.Dec(), next.Deposited.Dec(), next.Escrowed.Dec(),
		next.Received.Dec(), next.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return next, nil
}

func (p *PostgresStore) GetHistory(ctx context.Context, addr common.Address, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, address, type, amount::TEXT, reference, created_at
		FROM balance_entries
		WHERE address = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		addr.Hex(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var (
			e        Entry
			address  string
			typ, amt string
		)
		if err := rows.Scan(&e.ID, &address, &typ, &amt, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Address = common.HexToAddress(address)
		e.Type = EntryType(typ)
		if e.Amount, err = uint256.FromDecimal(amt); err != nil {
			return nil, fmt.Errorf("corrupt entry amount %q: %w", amt, err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
