package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type RiskStatus string

const (
	RiskPending     RiskStatus = "pending"
	RiskApproved    RiskStatus = "approved"
	RiskRejected    RiskStatus = "rejected"
	RiskUnderReview RiskStatus = "under_review"
)

type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

type RiskDecision struct {
	ID                    string     `json:"id"`
	ExternalTransactionID string     `json:"externalTransactionId"`
	CustomerID            string     `json:"customerId"`
	Status                RiskStatus `json:"status"`
	RiskLevel             RiskLevel  `json:"riskLevel"`
	RiskScore             uint64     `json:"riskScore"`
	Reason                string     `json:"reason"`
	CreatedAt             uint64     `json:"createdAt"`
	UpdatedAt             uint64     `json:"updatedAt"`
}

// TransferAssessment is the decision stored by the gate after an allowed transfer.
type TransferAssessment struct {
	Key         common.Hash    `json:"key"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Amount      *big.Int       `json:"amount"`
	Decision    RiskDecision   `json:"decision"`
	Allowed     bool           `json:"allowed"`
	Timestamp   uint64         `json:"timestamp"`
	BlockNumber uint64         `json:"block_number"`
}

type EventName string

const (
	EventTransfer         EventName = "Transfer"
	EventApproval         EventName = "Approval"
	EventTransferAssessed EventName = "TransferAssessed"
	EventStaked           EventName = "Staked"
	EventUnstaked         EventName = "Unstaked"
)

// AuditEvent mirrors a contract log entry.
type AuditEvent struct {
	Name        EventName      `json:"name"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	Amount      *big.Int       `json:"amount"`
	Status      string         `json:"status,omitempty"`
	Allowed     bool           `json:"allowed"`
	Timestamp   uint64         `json:"timestamp"`
}
