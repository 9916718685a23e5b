package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/truemoneyx/internal/ledger"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
)

// Dialect selects the placeholder style. Statements are written with '?'.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

type Store struct {
	db      *sql.DB
	dialect Dialect
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// one writer at a time keeps SQLITE_BUSY out of gate transactions
	db.SetMaxOpenConns(1)
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db, dialect: SQLite}
}

func NewWithDialect(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{q: tx, dialect: s.dialect}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) reader() *Tx {
	return &Tx{q: s.db, dialect: s.dialect}
}

func (s *Store) BalanceOf(addr common.Address) (*big.Int, error) {
	return s.reader().BalanceOf(addr)
}

func (s *Store) NativeBalanceOf(addr common.Address) (*big.Int, error) {
	return s.reader().NativeBalanceOf(addr)
}

func (s *Store) Allowance(owner, spender common.Address) (*big.Int, error) {
	return s.reader().Allowance(owner, spender)
}

func (s *Store) StakeOf(addr common.Address) (*big.Int, error) {
	return s.reader().StakeOf(addr)
}

func (s *Store) GetAssessment(key common.Hash) (types.TransferAssessment, bool) {
	return s.reader().GetAssessment(key)
}

func (s *Store) AuthConsumed(nonce common.Hash) (bool, error) {
	return s.reader().AuthConsumed(nonce)
}

func (s *Store) ListEvents(txHash common.Hash) ([]types.AuditEvent, error) {
	return s.reader().ListEvents(txHash)
}

func (s *Store) GetChainTx(txHash common.Hash) (ledger.ChainTxRecord, bool) {
	return s.reader().GetChainTx(txHash)
}

func (s *Store) LatestChainTx() (ledger.ChainTxRecord, bool) {
	return s.reader().LatestChainTx()
}

func (s *Store) GetIntent(externalTransactionID string) (ledger.IntentRecord, bool) {
	return s.reader().GetIntent(externalTransactionID)
}

func (s *Store) GetReceipt(receiptID string) (ledger.StoredReceipt, bool) {
	return s.reader().GetReceipt(receiptID)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Tx struct {
	q       querier
	dialect Dialect
}

func (t *Tx) exec(query string, args ...any) error {
	_, err := t.q.ExecContext(context.Background(), t.rebind(query), args...)
	return err
}

func (t *Tx) queryRow(query string, args ...any) *sql.Row {
	return t.q.QueryRowContext(context.Background(), t.rebind(query), args...)
}

func (t *Tx) rebind(query string) string {
	if t.dialect != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (t *Tx) amount(table, where string, args ...any) (*big.Int, error) {
	var raw string
	err := t.queryRow(`SELECT amount FROM `+table+` WHERE `+where, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return parseAmount(raw)
}

func (t *Tx) BalanceOf(addr common.Address) (*big.Int, error) {
	return t.amount("balances", "address = ?", addr.Hex())
}

func (t *Tx) NativeBalanceOf(addr common.Address) (*big.Int, error) {
	return t.amount("native_balances", "address = ?", addr.Hex())
}

func (t *Tx) Allowance(owner, spender common.Address) (*big.Int, error) {
	return t.amount("allowances", "owner = ? AND spender = ?", owner.Hex(), spender.Hex())
}

func (t *Tx) StakeOf(addr common.Address) (*big.Int, error) {
	return t.amount("stakes", "address = ?", addr.Hex())
}

func (t *Tx) GetAssessment(key common.Hash) (types.TransferAssessment, bool) {
	var (
		rec                        types.TransferAssessment
		from, to, amount, decision string
		allowed                    int
	)
	row := t.queryRow(`SELECT from_address, to_address, amount, decision_json, allowed, block_time, block_number FROM assessments WHERE assessment_key = ?`, key.Hex())
	if err := row.Scan(&from, &to, &amount, &decision, &allowed, &rec.Timestamp, &rec.BlockNumber); err != nil {
		return types.TransferAssessment{}, false
	}
	value, err := parseAmount(amount)
	if err != nil {
		return types.TransferAssessment{}, false
	}
	if err := json.Unmarshal([]byte(decision), &rec.Decision); err != nil {
		return types.TransferAssessment{}, false
	}
	rec.Key = key
	rec.From = common.HexToAddress(from)
	rec.To = common.HexToAddress(to)
	rec.Amount = value
	rec.Allowed = allowed != 0
	return rec, true
}

func (t *Tx) AuthConsumed(nonce common.Hash) (bool, error) {
	var txHash string
	err := t.queryRow(`SELECT tx_hash FROM consumed_auths WHERE nonce = ?`, nonce.Hex()).Scan(&txHash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *Tx) ListEvents(txHash common.Hash) ([]types.AuditEvent, error) {
	rows, err := t.q.QueryContext(context.Background(), t.rebind(`SELECT name, block_number, from_address, to_address, amount, status, allowed, block_time
FROM audit_events WHERE tx_hash = ? ORDER BY seq ASC`), txHash.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.AuditEvent{}
	for rows.Next() {
		var (
			ev             types.AuditEvent
			name, from, to string
			amount         string
			allowed        int
		)
		if err := rows.Scan(&name, &ev.BlockNumber, &from, &to, &amount, &ev.Status, &allowed, &ev.Timestamp); err != nil {
			return nil, err
		}
		value, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}
		ev.Name = types.EventName(name)
		ev.TxHash = txHash
		ev.From = common.HexToAddress(from)
		ev.To = common.HexToAddress(to)
		ev.Amount = value
		ev.Allowed = allowed != 0
		out = append(out, ev)
	}
	return out, rows.Err()
}

const chainTxColumns = `tx_hash, block_number, block_time, method, sender, status, revert_reason`

func (t *Tx) scanChainTx(row *sql.Row) (ledger.ChainTxRecord, bool) {
	var (
		rec          ledger.ChainTxRecord
		hash, sender string
		status       string
	)
	if err := row.Scan(&hash, &rec.BlockNumber, &rec.Timestamp, &rec.Method, &sender, &status, &rec.RevertReason); err != nil {
		return ledger.ChainTxRecord{}, false
	}
	rec.TxHash = common.HexToHash(hash)
	rec.Sender = common.HexToAddress(sender)
	rec.Status = ledger.ChainTxStatus(status)
	return rec, true
}

func (t *Tx) GetChainTx(txHash common.Hash) (ledger.ChainTxRecord, bool) {
	return t.scanChainTx(t.queryRow(`SELECT `+chainTxColumns+` FROM chain_txs WHERE tx_hash = ?`, txHash.Hex()))
}

func (t *Tx) LatestChainTx() (ledger.ChainTxRecord, bool) {
	return t.scanChainTx(t.queryRow(`SELECT ` + chainTxColumns + ` FROM chain_txs ORDER BY block_number DESC LIMIT 1`))
}

func (t *Tx) GetIntent(externalTransactionID string) (ledger.IntentRecord, bool) {
	var rec ledger.IntentRecord
	row := t.queryRow(`SELECT external_transaction_id, kind, status, sender, owner, recipient, amount, tx_hash, receipt_id, error_code, error_message, created_at, updated_at
FROM transfer_intents WHERE external_transaction_id = ?`, externalTransactionID)
	if err := row.Scan(&rec.ExternalTransactionID, &rec.Kind, &rec.Status, &rec.Sender, &rec.Owner, &rec.Recipient, &rec.Amount, &rec.TxHash, &rec.ReceiptID, &rec.ErrorCode, &rec.ErrorMessage, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.IntentRecord{}, false
	}
	return rec, true
}

func (t *Tx) GetReceipt(receiptID string) (ledger.StoredReceipt, bool) {
	var (
		rec    ledger.StoredReceipt
		status string
		body   string
	)
	row := t.queryRow(`SELECT receipt_id, external_transaction_id, created_at, outcome_status, tx_hash, body_json, body_digest, key_id, sig
FROM transfer_receipts WHERE receipt_id = ?`, receiptID)
	if err := row.Scan(&rec.ReceiptID, &rec.ExternalTransactionID, &rec.CreatedAt, &status, &rec.TxHash, &body, &rec.BodyDigest, &rec.KeyID, &rec.Sig); err != nil {
		return ledger.StoredReceipt{}, false
	}
	rec.OutcomeStatus = types.OutcomeStatus(status)
	rec.BodyJSON = []byte(body)
	return rec, true
}

func (t *Tx) setAmount(table string, addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ledger.ErrNegativeAmount
	}
	return t.exec(`INSERT INTO `+table+`(address, amount) VALUES(?, ?)
ON CONFLICT(address) DO UPDATE SET amount = excluded.amount`, addr.Hex(), amount.String())
}

func (t *Tx) SetBalance(addr common.Address, amount *big.Int) error {
	return t.setAmount("balances", addr, amount)
}

func (t *Tx) SetNativeBalance(addr common.Address, amount *big.Int) error {
	return t.setAmount("native_balances", addr, amount)
}

func (t *Tx) SetStake(addr common.Address, amount *big.Int) error {
	return t.setAmount("stakes", addr, amount)
}

func (t *Tx) SetAllowance(owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ledger.ErrNegativeAmount
	}
	return t.exec(`INSERT INTO allowances(owner, spender, amount) VALUES(?, ?, ?)
ON CONFLICT(owner, spender) DO UPDATE SET amount = excluded.amount`, owner.Hex(), spender.Hex(), amount.String())
}

func (t *Tx) PutAssessment(a types.TransferAssessment) error {
	decision, err := json.Marshal(a.Decision)
	if err != nil {
		return err
	}
	return t.exec(`INSERT INTO assessments(assessment_key, from_address, to_address, amount, decision_json, allowed, block_time, block_number)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(assessment_key) DO UPDATE SET
  decision_json = excluded.decision_json,
  allowed = excluded.allowed,
  block_number = excluded.block_number`,
		a.Key.Hex(), a.From.Hex(), a.To.Hex(), amountString(a.Amount), string(decision), boolToInt(a.Allowed), a.Timestamp, a.BlockNumber,
	)
}

func (t *Tx) AppendEvent(ev types.AuditEvent) error {
	return t.exec(`INSERT INTO audit_events(name, tx_hash, block_number, from_address, to_address, amount, status, allowed, block_time)
VALUES(?,?,?,?,?,?,?,?,?)`,
		string(ev.Name), ev.TxHash.Hex(), ev.BlockNumber, ev.From.Hex(), ev.To.Hex(), amountString(ev.Amount), ev.Status, boolToInt(ev.Allowed), ev.Timestamp,
	)
}

func (t *Tx) ConsumeAuth(nonce, txHash common.Hash, at uint64) error {
	res, err := t.q.ExecContext(context.Background(), t.rebind(`INSERT INTO consumed_auths(nonce, tx_hash, consumed_at) VALUES(?,?,?) ON CONFLICT(nonce) DO NOTHING`),
		nonce.Hex(), txHash.Hex(), at)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrAuthConsumed
	}
	return nil
}

func (t *Tx) PutChainTx(rec ledger.ChainTxRecord) error {
	return t.exec(`INSERT INTO chain_txs(`+chainTxColumns+`) VALUES(?,?,?,?,?,?,?)
ON CONFLICT(tx_hash) DO UPDATE SET status = excluded.status, revert_reason = excluded.revert_reason`,
		rec.TxHash.Hex(), rec.BlockNumber, rec.Timestamp, rec.Method, rec.Sender.Hex(), string(rec.Status), rec.RevertReason,
	)
}

func (t *Tx) PutIntent(rec ledger.IntentRecord) error {
	return t.exec(`INSERT INTO transfer_intents(external_transaction_id, kind, status, sender, owner, recipient, amount, tx_hash, receipt_id, error_code, error_message, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(external_transaction_id) DO UPDATE SET
  status = excluded.status,
  tx_hash = COALESCE(excluded.tx_hash, transfer_intents.tx_hash),
  receipt_id = COALESCE(excluded.receipt_id, transfer_intents.receipt_id),
  error_code = excluded.error_code,
  error_message = excluded.error_message,
  updated_at = excluded.updated_at`,
		rec.ExternalTransactionID, rec.Kind, rec.Status, rec.Sender, rec.Owner, rec.Recipient, rec.Amount,
		rec.TxHash, rec.ReceiptID, rec.ErrorCode, rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt,
	)
}

func (t *Tx) PutReceipt(rec ledger.StoredReceipt) error {
	if rec.ReceiptID == "" {
		return fmt.Errorf("missing receipt_id")
	}
	return t.exec(`INSERT INTO transfer_receipts(receipt_id, external_transaction_id, created_at, outcome_status, tx_hash, body_json, body_digest, key_id, sig)
VALUES(?,?,?,?,?,?,?,?,?) ON CONFLICT(receipt_id) DO NOTHING`,
		rec.ReceiptID, rec.ExternalTransactionID, rec.CreatedAt, string(rec.OutcomeStatus), rec.TxHash,
		string(rec.BodyJSON), rec.BodyDigest, rec.KeyID, rec.Sig,
	)
}

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", raw)
	}
	return v, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
