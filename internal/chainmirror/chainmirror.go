// Package chainmirror appends accepted TEO credits to a chain-ledger mirror.
//
// The mirror is an audit projection. Records carry the credit in 18-decimal
// atomic units, a deterministic address for the user and an EIP-191 style
// hash binding the two, so an on-chain anchor can be reconciled later. The
// primary ledger credit never depends on it.
package chainmirror

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/idgen"
	"github.com/teocoin/settlement/internal/logging"
	"github.com/teocoin/settlement/internal/teo"
)

// Record is one mirrored credit.
type Record struct {
	ID           string          `json:"id"`
	DecisionID   string          `json:"decisionId"`
	UserRef      string          `json:"userRef"`
	Address      common.Address  `json:"address"`
	Amount       decimal.Decimal `json:"-"`
	AtomicAmount *big.Int        `json:"-"`
	Hash         common.Hash     `json:"hash"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists mirror records, one per decision.
type Store interface {
	// Insert fails with errs.ErrDuplicateEntry when the decision is
	// already mirrored.
	Insert(ctx context.Context, r *Record) error
	GetByDecision(ctx context.Context, decisionID string) (*Record, error)
}

// Recorder writes mirror records.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// AddressFor maps a platform user reference to a stable 20-byte address.
func AddressFor(userRef string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(strings.ToLower(userRef)))[12:])
}

// Message is the canonical text hashed into a record.
// Format: "TeoCoin|{decision}|{address}|{atomic}"
func Message(decisionID string, addr common.Address, atomic *big.Int) string {
	return fmt.Sprintf("TeoCoin|%s|%s|%s", decisionID, strings.ToLower(addr.Hex()), atomic.String())
}

// HashMessage prefixes message as per EIP-191 and hashes it with Keccak-256.
func HashMessage(message string) common.Hash {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256Hash([]byte(prefix + message))
}

// Append mirrors a credit. Appending the same decision twice returns the
// first record.
func (r *Recorder) Append(ctx context.Context, decisionID, userRef string, amount decimal.Decimal) (*Record, error) {
	if decisionID == "" || userRef == "" {
		return nil, fmt.Errorf("decision and user are required: %w", errs.ErrInvalidRequest)
	}
	atomic := teo.ToAtomic(amount)
	addr := AddressFor(userRef)
	rec := &Record{
		ID:           idgen.WithPrefix(idgen.PrefixMirror),
		DecisionID:   decisionID,
		UserRef:      userRef,
		Address:      addr,
		Amount:       amount,
		AtomicAmount: atomic,
		Hash:         HashMessage(Message(decisionID, addr, atomic)),
		CreatedAt:    r.now(),
	}
	if err := r.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, errs.ErrDuplicateEntry) {
			return r.store.GetByDecision(ctx, decisionID)
		}
		return nil, err
	}
	mirroredTotal.Inc()
	logging.L(ctx).Info("credit mirrored", "decisionId", decisionID, "address", addr.Hex(), "hash", rec.Hash.Hex())
	return rec, nil
}

// Verify reports whether rec's hash matches its contents.
func Verify(rec *Record) bool {
	return rec.Hash == HashMessage(Message(rec.DecisionID, rec.Address, rec.AtomicAmount))
}

// Get returns the record for a decision.
func (r *Recorder) Get(ctx context.Context, decisionID string) (*Record, error) {
	return r.store.GetByDecision(ctx, decisionID)
}
