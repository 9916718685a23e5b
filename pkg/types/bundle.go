package types

import "github.com/ethereum/go-ethereum/common/hexutil"

// AuthorizationBundle is passed through to the contract call unmodified.
type AuthorizationBundle struct {
	Auth            hexutil.Bytes `json:"auth"`
	KernelResponses hexutil.Bytes `json:"kernel_responses"`
	KernelParams    hexutil.Bytes `json:"kernel_params"`
}

// Complete reports whether every part of the bundle is present.
func (b AuthorizationBundle) Complete() bool {
	return len(b.Auth) > 0 && len(b.KernelResponses) > 0 && len(b.KernelParams) > 0
}
