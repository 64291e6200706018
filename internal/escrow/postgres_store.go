package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PostgresStore persists the ledger in PostgreSQL. Each Commit runs in one
// transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bountyColumns = `id, beneficiary, net_amount, fee, claimed, disputed, reference,
		       signature, authorized_by, submitter, created_at, expires_at,
		       claimed_at, resolution`

const payoutColumns = `id, bounty_id, kind, recipient, amount, status, tx_ref, error, created_at, updated_at`

func (p *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	var fees string
	err := p.db.QueryRowContext(ctx, `
		SELECT last_id, last_event_seq, fees FROM ledger_meta WHERE id = 1`,
	).Scan(&snap.Meta.LastID, &snap.Meta.LastEventSeq, &fees)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		fees = "0"
	case err != nil:
		return nil, fmt.Errorf("failed to read ledger meta: %w", err)
	}
	if snap.Meta.Fees, err = uint256.FromDecimal(fees); err != nil {
		return nil, fmt.Errorf("corrupt fee balance %q: %w", fees, err)
	}

	rows, err := p.db.QueryContext(ctx, `SELECT `+bountyColumns+` FROM bounties ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		rec, err := scanBounty(rows)
		if err != nil {
			return nil, err
		}
		snap.Records = append(snap.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	digests, err := p.db.QueryContext(ctx, `SELECT digest FROM consumed_digests`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = digests.Close() }()
	for digests.Next() {
		var d []byte
		if err := digests.Scan(&d); err != nil {
			return nil, err
		}
		snap.Consumed = append(snap.Consumed, common.BytesToHash(d))
	}
	return snap, digests.Err()
}

func (p *PostgresStore) Commit(ctx context.Context, ch *Change) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if m := ch.Meta; m != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_meta (id, last_id, last_event_seq, fees)
			VALUES (1, $1, $2, $3::NUMERIC)
			ON CONFLICT (id) DO UPDATE SET
				last_id = EXCLUDED.last_id,
				last_event_seq = EXCLUDED.last_event_seq,
				fees = EXCLUDED.fees`,
			m.LastID, m.LastEventSeq, m.Fees.Dec(),
		); err != nil {
			return fmt.Errorf("update ledger meta: %w", err)
		}
	}

	if r := ch.Record; r != nil {
		var signature interface{}
		var authorizedBy, submitter sql.NullString
		if r.Authorized() {
			signature = r.Authorization
			authorizedBy = nullString(r.AuthorizedBy.Hex())
			submitter = nullString(r.Submitter.Hex())
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bounties (`+bountyColumns+`)
			VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (id) DO UPDATE SET
				claimed = EXCLUDED.claimed,
				disputed = EXCLUDED.disputed,
				signature = EXCLUDED.signature,
				authorized_by = EXCLUDED.authorized_by,
				submitter = EXCLUDED.submitter,
				claimed_at = EXCLUDED.claimed_at,
				resolution = EXCLUDED.resolution`,
			r.ID, r.Beneficiary.Hex(), r.NetAmount.Dec(), r.Fee.Dec(), r.Claimed, r.Disputed, r.Reference,
			signature, authorizedBy, submitter, r.CreatedAt, r.ExpiresAt,
			nullTime(r.ClaimedAt), nullString(string(r.Resolution)),
		); err != nil {
			return fmt.Errorf("upsert bounty %d: %w", r.ID, err)
		}
	}

	for _, d := range ch.Consumed {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO consumed_digests (digest) VALUES ($1) ON CONFLICT DO NOTHING`, d.Bytes(),
		); err != nil {
			return fmt.Errorf("insert digest: %w", err)
		}
	}

	if po := ch.Payout; po != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO payouts (`+payoutColumns+`)
			VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				status = EXCLUDED.status,
				tx_ref = EXCLUDED.tx_ref,
				error = EXCLUDED.error,
				updated_at = EXCLUDED.updated_at`,
			po.ID, po.BountyID, string(po.Kind), po.To.Hex(), po.Amount.Dec(), string(po.Status),
			nullString(po.TxRef), nullString(po.Error), po.CreatedAt, po.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert payout %s: %w", po.ID, err)
		}
	}

	if ev := ch.Event; ev != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_events (seq, id, type, bounty_id, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ev.Seq, ev.ID, string(ev.Type), ev.BountyID, payload, ev.At,
		); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) ListPayouts(ctx context.Context, status PayoutStatus, limit int) ([]*Payout, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+payoutColumns+`
		FROM payouts
		WHERE $1::TEXT = '' OR status = $1::TEXT
		ORDER BY created_at, id
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Payout
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, po)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM ledger_events
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}

// Ping checks database connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanBounty(s scanner) (*Record, error) {
	r := &Record{}
	var (
		beneficiary  string
		net, fee     string
		signature    []byte
		authorizedBy sql.NullString
		submitter    sql.NullString
		claimedAt    sql.NullTime
		resolution   sql.NullString
	)

	err := s.Scan(
		&r.ID, &beneficiary, &net, &fee, &r.Claimed, &r.Disputed, &r.Reference,
		&signature, &authorizedBy, &submitter, &r.CreatedAt, &r.ExpiresAt,
		&claimedAt, &resolution,
	)
	if err != nil {
		return nil, err
	}

	r.Beneficiary = common.HexToAddress(beneficiary)
	if r.NetAmount, err = uint256.FromDecimal(net); err != nil {
		return nil, fmt.Errorf("bounty %d: corrupt net amount: %w", r.ID, err)
	}
	if r.Fee, err = uint256.FromDecimal(fee); err != nil {
		return nil, fmt.Errorf("bounty %d: corrupt fee: %w", r.ID, err)
	}
	if len(signature) > 0 {
		r.Authorization = signature
		r.AuthorizedBy = common.HexToAddress(authorizedBy.String)
		r.Submitter = common.HexToAddress(submitter.String)
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		r.ClaimedAt = &t
	}
	r.Resolution = Resolution(resolution.String)
	return r, nil
}

func scanPayout(s scanner) (*Payout, error) {
	po := &Payout{}
	var (
		kind, to, amt, status string
		txRef, errMsg         sql.NullString
	)
	if err := s.Scan(&po.ID, &po.BountyID, &kind, &to, &amt, &status, &txRef, &errMsg, &po.CreatedAt, &po.UpdatedAt); err != nil {
		return nil, err
	}
	v, err := uint256.FromDecimal(amt)
	if err != nil {
		return nil, fmt.Errorf("payout %s: corrupt amount: %w", po.ID, err)
	}
	po.Kind = PayoutKind(kind)
	po.To = common.HexToAddress(to)
	po.Amount = v
	po.Status = PayoutStatus(status)
	po.TxRef = txRef.String
	po.Error = errMsg.String
	return po, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
