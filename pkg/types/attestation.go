package types

type AttestationRequest struct {
	SenderAddress string                   `json:"senderAddress"`
	KernelPayload map[string]KernelPayload `json:"kernelPayload"`
}

type KernelPayload struct {
	Parameters KernelParameters `json:"parameters"`
}

type KernelParameters struct {
	Query  map[string]string `json:"query"`
	Header map[string]string `json:"header"`
	Body   AttestationBody   `json:"body"`
}

type AttestationBody struct {
	ExternalTransactionID string       `json:"externalTransactionId"`
	CustomerID            string       `json:"customerId"`
	TransactionType       string       `json:"transactionType"`
	Amount                string       `json:"amount"`
	Currency              string       `json:"currency"`
	Originator            Counterparty `json:"originator"`
	Beneficiary           Counterparty `json:"beneficiary"`
	Fees                  FeeBreakdown `json:"fees"`
	CreatedAt             string       `json:"createdAt"`
}

type Counterparty struct {
	WalletAddress string `json:"walletAddress"`
	Name          string `json:"name"`
	Country       string `json:"country"`
}

type FeeBreakdown struct {
	NetworkFee string `json:"networkFee"`
	ServiceFee string `json:"serviceFee"`
	TotalFee   string `json:"totalFee"`
}

// Body returns the attestation body carried for kernelID, if any.
func (r AttestationRequest) Body(kernelID string) (AttestationBody, bool) {
	payload, ok := r.KernelPayload[kernelID]
	if !ok {
		return AttestationBody{}, false
	}
	return payload.Parameters.Body, true
}
