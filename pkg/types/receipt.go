package types

type OutcomeStatus string

const (
	OutcomeConfirmed             OutcomeStatus = "confirmed"
	OutcomeRiskDenied            OutcomeStatus = "risk_denied"
	OutcomeAuthorizationMismatch OutcomeStatus = "authorization_mismatch"
	OutcomeKernelFailed          OutcomeStatus = "kernel_failed"
	OutcomeSubmissionFailed      OutcomeStatus = "submission_failed"
)

type ReceiptIntent struct {
	Kind                  string `json:"kind"`
	Sender                string `json:"sender"`
	Owner                 string `json:"owner,omitempty"`
	Recipient             string `json:"recipient"`
	Amount                string `json:"amount"`
	AmountUnits           string `json:"amount_units"`
	ExternalTransactionID string `json:"external_transaction_id"`
}

type ReceiptAttestation struct {
	RequestDigest string `json:"request_digest"`
	ParamsDigest  string `json:"params_digest"`
	BundleDigest  string `json:"bundle_digest,omitempty"`
}

type ReceiptDecision struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	RiskLevel string `json:"risk_level"`
	RiskScore uint64 `json:"risk_score"`
	Reason    string `json:"reason,omitempty"`
}

type ReceiptError struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

type ReceiptOutcome struct {
	Status      OutcomeStatus `json:"status"`
	TxHash      string        `json:"tx_hash,omitempty"`
	BlockNumber uint64        `json:"block_number,omitempty"`
	Error       *ReceiptError `json:"error,omitempty"`
}
