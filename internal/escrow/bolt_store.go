package escrow

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketMeta     = []byte("meta")
	bucketBounties = []byte("bounties")
	bucketDigests  = []byte("digests")
	bucketPayouts  = []byte("payouts")
	bucketEvents   = []byte("events")

	metaKey = []byte("ledger")
)

// BoltStore persists the ledger in a single-file bbolt database. Each Commit
// is one bolt write transaction.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (and initialises) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMeta, bucketBounties, bucketDigests, bucketPayouts, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is open and readable.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketMeta) == nil {
			return fmt.Errorf("bolt store not initialised")
		}
		return nil
	})
}

type metaDoc struct {
	LastID       uint64 `json:"lastId"`
	LastEventSeq uint64 `json:"lastEventSeq"`
	Fees         string `json:"fees"` // wei
}

type recordDoc struct {
	ID            uint64     `json:"id"`
	Beneficiary   string     `json:"beneficiary"`
	NetAmount     string     `json:"netAmount"`
	Fee           string     `json:"fee"`
	Claimed       bool       `json:"claimed"`
	Disputed      bool       `json:"disputed"`
	Reference     string     `json:"reference"`
	Authorization string     `json:"authorization,omitempty"`
	AuthorizedBy  string     `json:"authorizedBy,omitempty"`
	Submitter     string     `json:"submitter,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	ClaimedAt     *time.Time `json:"claimedAt,omitempty"`
	Resolution    string     `json:"resolution,omitempty"`
}

type payoutDoc struct {
	ID        string    `json:"id"`
	BountyID  uint64    `json:"bountyId"`
	Kind      string    `json:"kind"`
	To        string    `json:"to"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	TxRef     string    `json:"txRef,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *BoltStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Meta: Meta{Fees: new(uint256.Int)}}
	err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketMeta).Get(metaKey); raw != nil {
			var m metaDoc
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			fees, err := uint256.FromDecimal(m.Fees)
			if err != nil {
				return fmt.Errorf("corrupt fee balance: %w", err)
			}
			snap.Meta = Meta{LastID: m.LastID, LastEventSeq: m.LastEventSeq, Fees: fees}
		}

		// Big-endian keys iterate in ascending id order
		if err := tx.Bucket(bucketBounties).ForEach(func(_, v []byte) error {
			var d recordDoc
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			rec, err := d.record()
			if err != nil {
				return err
			}
			snap.Records = append(snap.Records, rec)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketDigests).ForEach(func(k, _ []byte) error {
			snap.Consumed = append(snap.Consumed, common.BytesToHash(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load bolt store: %w", err)
	}
	return snap, nil
}

func (s *BoltStore) Commit(ctx context.Context, ch *Change) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if ch.Meta != nil {
			if err := putJSON(tx.Bucket(bucketMeta), metaKey, metaDoc{
				LastID:       ch.Meta.LastID,
				LastEventSeq: ch.Meta.LastEventSeq,
				Fees:         ch.Meta.Fees.Dec(),
			}); err != nil {
				return err
			}
		}
		if ch.Record != nil {
			if err := putJSON(tx.Bucket(bucketBounties), u64Key(ch.Record.ID), toRecordDoc(ch.Record)); err != nil {
				return err
			}
		}
		digests := tx.Bucket(bucketDigests)
		for _, d := range ch.Consumed {
			if err := digests.Put(d.Bytes(), []byte{1}); err != nil {
				return err
			}
		}
		if ch.Payout != nil {
			if err := putJSON(tx.Bucket(bucketPayouts), []byte(ch.Payout.ID), toPayoutDoc(ch.Payout)); err != nil {
				return err
			}
		}
		if ch.Event != nil {
			if err := putJSON(tx.Bucket(bucketEvents), u64Key(ch.Event.Seq), ch.Event); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListPayouts(ctx context.Context, status PayoutStatus, limit int) ([]*Payout, error) {
	var result []*Payout
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPayouts).ForEach(func(_, v []byte) error {
			var d payoutDoc
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if status != "" && PayoutStatus(d.Status) != status {
				return nil
			}
			p, err := d.payout()
			if err != nil {
				return err
			}
			result = append(result, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *BoltStore) ListEvents(ctx context.Context, afterSeq uint64, limit int) ([]*Event, error) {
	var result []*Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(u64Key(afterSeq + 1)); k != nil && len(result) < limit; k, v = c.Next() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			result = append(result, &ev)
		}
		return nil
	})
	return result, err
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func u64Key(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

func toRecordDoc(r *Record) recordDoc {
	d := recordDoc{
		ID:          r.ID,
		Beneficiary: r.Beneficiary.Hex(),
		NetAmount:   r.NetAmount.Dec(),
		Fee:         r.Fee.Dec(),
		Claimed:     r.Claimed,
		Disputed:    r.Disputed,
		Reference:   r.Reference,
		CreatedAt:   r.CreatedAt,
		ExpiresAt:   r.ExpiresAt,
		ClaimedAt:   r.ClaimedAt,
		Resolution:  string(r.Resolution),
	}
	if r.Authorized() {
		d.Authorization = hex.EncodeToString(r.Authorization)
		d.AuthorizedBy = r.AuthorizedBy.Hex()
		d.Submitter = r.Submitter.Hex()
	}
	return d
}

func (d recordDoc) record() (*Record, error) {
	net, err := uint256.FromDecimal(d.NetAmount)
	if err != nil {
		return nil, fmt.Errorf("bounty %d: corrupt net amount: %w", d.ID, err)
	}
	fee, err := uint256.FromDecimal(d.Fee)
	if err != nil {
		return nil, fmt.Errorf("bounty %d: corrupt fee: %w", d.ID, err)
	}
	r := &Record{
		ID:          d.ID,
		Beneficiary: common.HexToAddress(d.Beneficiary),
		NetAmount:   net,
		Fee:         fee,
		Claimed:     d.Claimed,
		Disputed:    d.Disputed,
		Reference:   d.Reference,
		CreatedAt:   d.CreatedAt,
		ExpiresAt:   d.ExpiresAt,
		ClaimedAt:   d.ClaimedAt,
		Resolution:  Resolution(d.Resolution),
	}
	if d.Authorization != "" {
		sig, err := hex.DecodeString(d.Authorization)
		if err != nil {
			return nil, fmt.Errorf("bounty %d: corrupt authorization: %w", d.ID, err)
		}
		r.Authorization = sig
		r.AuthorizedBy = common.HexToAddress(d.AuthorizedBy)
		r.Submitter = common.HexToAddress(d.Submitter)
	}
	return r, nil
}

func toPayoutDoc(p *Payout) payoutDoc {
	return payoutDoc{
		ID:        p.ID,
		BountyID:  p.BountyID,
		Kind:      string(p.Kind),
		To:        p.To.Hex(),
		Amount:    p.Amount.Dec(),
		Status:    string(p.Status),
		TxRef:     p.TxRef,
		Error:     p.Error,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func (d payoutDoc) payout() (*Payout, error) {
	amt, err := uint256.FromDecimal(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("payout %s: corrupt amount: %w", d.ID, err)
	}
	return &Payout{
		ID:        d.ID,
		BountyID:  d.BountyID,
		Kind:      PayoutKind(d.Kind),
		To:        common.HexToAddress(d.To),
		Amount:    amt,
		Status:    PayoutStatus(d.Status),
		TxRef:     d.TxRef,
		Error:     d.Error,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}, nil
}
