package chainmirror

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/teocoin/settlement/internal/errs"
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Insert(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.DecisionID]; ok {
		return fmt.Errorf("mirror %s: %w", r.DecisionID, errs.ErrDuplicateEntry)
	}
	cp := *r
	m.records[r.DecisionID] = &cp
	return nil
}

func (m *MemoryStore) GetByDecision(_ context.Context, decisionID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[decisionID]
	if !ok {
		return nil, fmt.Errorf("mirror %s: %w", decisionID, errs.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

// PostgresStore implements Store on the chain_mirror table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed mirror store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chain_mirror (id, decision_id, user_ref, address, amount, atomic_amount, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, r.ID, r.DecisionID, r.UserRef, r.Address.Hex(), r.Amount, r.AtomicAmount.String(), r.Hash.Hex(), r.CreatedAt)
	return errs.FromDB(err, "insert mirror record")
}

func (p *PostgresStore) GetByDecision(ctx context.Context, decisionID string) (*Record, error) {
	r := &Record{}
	var addr, atomic, hash string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, decision_id, user_ref, address, amount, atomic_amount::text, hash, created_at
		FROM chain_mirror WHERE decision_id = $1
	`, decisionID).Scan(&r.ID, &r.DecisionID, &r.UserRef, &addr, &r.Amount, &atomic, &hash, &r.CreatedAt)
	if err != nil {
		return nil, errs.FromDB(err, "get mirror record")
	}
	r.Address = common.HexToAddress(addr)
	r.Hash = common.HexToHash(hash)
	n, ok := new(big.Int).SetString(atomic, 10)
	if !ok {
		return nil, fmt.Errorf("mirror %s atomic amount %q: %w", decisionID, atomic, errs.ErrInvariantViolation)
	}
	r.AtomicAmount = n
	return r, nil
}
