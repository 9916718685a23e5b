package ledger

import (
	"math/big"
	"sync"

	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// InMemoryStore serialises transactions behind one mutex. Writes are staged
// in a per-transaction overlay and only merged on success.
type InMemoryStore struct {
	mu sync.Mutex

	balances    map[common.Address]*big.Int
	native      map[common.Address]*big.Int
	allowances  map[allowanceKey]*big.Int
	stakes      map[common.Address]*big.Int
	assessments map[common.Hash]types.TransferAssessment
	consumed    map[common.Hash]common.Hash
	chainTxs    map[common.Hash]ChainTxRecord
	intents     map[string]IntentRecord
	receipts    map[string]StoredReceipt
	events      []types.AuditEvent
	latest      *ChainTxRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		balances:    make(map[common.Address]*big.Int),
		native:      make(map[common.Address]*big.Int),
		allowances:  make(map[allowanceKey]*big.Int),
		stakes:      make(map[common.Address]*big.Int),
		assessments: make(map[common.Hash]types.TransferAssessment),
		consumed:    make(map[common.Hash]common.Hash),
		chainTxs:    make(map[common.Hash]ChainTxRecord),
		intents:     make(map[string]IntentRecord),
		receipts:    make(map[string]StoredReceipt),
	}
}

func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// read returns a view of committed state.
func (s *InMemoryStore) read() *memTx {
	return newMemTx(s)
}

func (s *InMemoryStore) BalanceOf(addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().BalanceOf(addr)
}

func (s *InMemoryStore) NativeBalanceOf(addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().NativeBalanceOf(addr)
}

func (s *InMemoryStore) Allowance(owner, spender common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().Allowance(owner, spender)
}

func (s *InMemoryStore) StakeOf(addr common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().StakeOf(addr)
}

func (s *InMemoryStore) GetAssessment(key common.Hash) (types.TransferAssessment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetAssessment(key)
}

func (s *InMemoryStore) AuthConsumed(nonce common.Hash) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().AuthConsumed(nonce)
}

func (s *InMemoryStore) ListEvents(txHash common.Hash) ([]types.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().ListEvents(txHash)
}

func (s *InMemoryStore) GetChainTx(txHash common.Hash) (ChainTxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetChainTx(txHash)
}

func (s *InMemoryStore) LatestChainTx() (ChainTxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().LatestChainTx()
}

func (s *InMemoryStore) GetIntent(externalTransactionID string) (IntentRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetIntent(externalTransactionID)
}

func (s *InMemoryStore) GetReceipt(receiptID string) (StoredReceipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read().GetReceipt(receiptID)
}

// overlay stages writes over a committed map.
type overlay[K comparable, V any] struct {
	base  map[K]V
	dirty map[K]V
}

func newOverlay[K comparable, V any](base map[K]V) overlay[K, V] {
	return overlay[K, V]{base: base, dirty: make(map[K]V)}
}

func (o overlay[K, V]) get(k K) (V, bool) {
	if v, ok := o.dirty[k]; ok {
		return v, true
	}
	v, ok := o.base[k]
	return v, ok
}

func (o overlay[K, V]) put(k K, v V) {
	o.dirty[k] = v
}

func (o overlay[K, V]) commit() {
	for k, v := range o.dirty {
		o.base[k] = v
	}
}

type memTx struct {
	store *InMemoryStore

	balances    overlay[common.Address, *big.Int]
	native      overlay[common.Address, *big.Int]
	allowances  overlay[allowanceKey, *big.Int]
	stakes      overlay[common.Address, *big.Int]
	assessments overlay[common.Hash, types.TransferAssessment]
	consumed    overlay[common.Hash, common.Hash]
	chainTxs    overlay[common.Hash, ChainTxRecord]
	intents     overlay[string, IntentRecord]
	receipts    overlay[string, StoredReceipt]
	events      []types.AuditEvent
	latest      *ChainTxRecord
}

func newMemTx(s *InMemoryStore) *memTx {
	return &memTx{
		store:       s,
		balances:    newOverlay(s.balances),
		native:      newOverlay(s.native),
		allowances:  newOverlay(s.allowances),
		stakes:      newOverlay(s.stakes),
		assessments: newOverlay(s.assessments),
		consumed:    newOverlay(s.consumed),
		chainTxs:    newOverlay(s.chainTxs),
		intents:     newOverlay(s.intents),
		receipts:    newOverlay(s.receipts),
		latest:      s.latest,
	}
}

func (t *memTx) commit() {
	t.balances.commit()
	t.native.commit()
	t.allowances.commit()
	t.stakes.commit()
	t.assessments.commit()
	t.consumed.commit()
	t.chainTxs.commit()
	t.intents.commit()
	t.receipts.commit()
	t.store.events = append(t.store.events, t.events...)
	t.store.latest = t.latest
}

func (t *memTx) BalanceOf(addr common.Address) (*big.Int, error) {
	v, _ := t.balances.get(addr)
	return zeroIfNil(v), nil
}

func (t *memTx) NativeBalanceOf(addr common.Address) (*big.Int, error) {
	v, _ := t.native.get(addr)
	return zeroIfNil(v), nil
}

func (t *memTx) Allowance(owner, spender common.Address) (*big.Int, error) {
	v, _ := t.allowances.get(allowanceKey{owner: owner, spender: spender})
	return zeroIfNil(v), nil
}

func (t *memTx) StakeOf(addr common.Address) (*big.Int, error) {
	v, _ := t.stakes.get(addr)
	return zeroIfNil(v), nil
}

func (t *memTx) GetAssessment(key common.Hash) (types.TransferAssessment, bool) {
	return t.assessments.get(key)
}

func (t *memTx) AuthConsumed(nonce common.Hash) (bool, error) {
	_, ok := t.consumed.get(nonce)
	return ok, nil
}

func (t *memTx) ListEvents(txHash common.Hash) ([]types.AuditEvent, error) {
	out := []types.AuditEvent{}
	for _, list := range [][]types.AuditEvent{t.store.events, t.events} {
		for _, ev := range list {
			if ev.TxHash == txHash {
				out = append(out, ev)
			}
		}
	}
	return out, nil
}

func (t *memTx) GetChainTx(txHash common.Hash) (ChainTxRecord, bool) {
	return t.chainTxs.get(txHash)
}

func (t *memTx) LatestChainTx() (ChainTxRecord, bool) {
	if t.latest == nil {
		return ChainTxRecord{}, false
	}
	return *t.latest, true
}

func (t *memTx) GetIntent(externalTransactionID string) (IntentRecord, bool) {
	return t.intents.get(externalTransactionID)
}

func (t *memTx) GetReceipt(receiptID string) (StoredReceipt, bool) {
	return t.receipts.get(receiptID)
}

func (t *memTx) SetBalance(addr common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.balances.put(addr, new(big.Int).Set(amount))
	return nil
}

func (t *memTx) SetNativeBalance(addr common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.native.put(addr, new(big.Int).Set(amount))
	return nil
}

func (t *memTx) SetAllowance(owner, spender common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.allowances.put(allowanceKey{owner: owner, spender: spender}, new(big.Int).Set(amount))
	return nil
}

func (t *memTx) SetStake(addr common.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	t.stakes.put(addr, new(big.Int).Set(amount))
	return nil
}

func (t *memTx) PutAssessment(a types.TransferAssessment) error {
	a.Amount = zeroIfNil(a.Amount)
	t.assessments.put(a.Key, a)
	return nil
}

func (t *memTx) AppendEvent(ev types.AuditEvent) error {
	ev.Amount = zeroIfNil(ev.Amount)
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) ConsumeAuth(nonce, txHash common.Hash, _ uint64) error {
	if _, ok := t.consumed.get(nonce); ok {
		return ErrAuthConsumed
	}
	t.consumed.put(nonce, txHash)
	return nil
}

func (t *memTx) PutChainTx(rec ChainTxRecord) error {
	t.chainTxs.put(rec.TxHash, rec)
	if t.latest == nil || rec.BlockNumber >= t.latest.BlockNumber {
		latest := rec
		t.latest = &latest
	}
	return nil
}

func (t *memTx) PutIntent(rec IntentRecord) error {
	t.intents.put(rec.ExternalTransactionID, rec)
	return nil
}

func (t *memTx) PutReceipt(rec StoredReceipt) error {
	if _, ok := t.receipts.get(rec.ReceiptID); ok {
		return nil
	}
	t.receipts.put(rec.ReceiptID, rec)
	return nil
}
