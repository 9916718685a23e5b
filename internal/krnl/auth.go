package krnl

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/davidahmann/truemoneyx/internal/crypto"
	"github.com/davidahmann/truemoneyx/pkg/types"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Auth is the decoded auth blob: abi.encode(bytes32 nonce, bytes signature).
type Auth struct {
	Nonce     common.Hash
	Signature []byte
}

func EncodeAuth(a Auth) ([]byte, error) {
	return authArgs.Pack(a.Nonce, a.Signature)
}

func DecodeAuth(blob []byte) (Auth, error) {
	values, err := authArgs.Unpack(blob)
	if err != nil {
		return Auth{}, fmt.Errorf("%w: auth: %v", ErrMalformed, err)
	}
	nonce, ok1 := values[0].([32]byte)
	sig, ok2 := values[1].([]byte)
	if !ok1 || !ok2 {
		return Auth{}, fmt.Errorf("%w: auth", ErrMalformed)
	}
	return Auth{Nonce: nonce, Signature: sig}, nil
}

// AuthDigest is the message the attester signs. It binds the gate, the
// sender and the exact function params to the kernel output.
func AuthDigest(gate, sender common.Address, params, kernelResponses, kernelParams []byte, nonce common.Hash) (common.Hash, error) {
	packed, err := authDigestArgs.Pack(
		gate,
		sender,
		ethcrypto.Keccak256Hash(params),
		ethcrypto.Keccak256Hash(kernelResponses),
		ethcrypto.Keccak256Hash(kernelParams),
		nonce,
	)
	if err != nil {
		return common.Hash{}, err
	}
	return ethcrypto.Keccak256Hash(packed), nil
}

// SignAuth produces the encoded auth blob for one function call.
func SignAuth(key *ecdsa.PrivateKey, gate, sender common.Address, params, kernelResponses, kernelParams []byte, nonce common.Hash) ([]byte, error) {
	digest, err := AuthDigest(gate, sender, params, kernelResponses, kernelParams, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := ethcrypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, err
	}
	return EncodeAuth(Auth{Nonce: nonce, Signature: sig})
}

// RecoverAuthSigner returns the address that produced auth for the given
// call, along with the decoded auth.
func RecoverAuthSigner(gate, sender common.Address, params []byte, bundle types.AuthorizationBundle) (common.Address, Auth, error) {
	auth, err := DecodeAuth(bundle.Auth)
	if err != nil {
		return common.Address{}, Auth{}, err
	}
	if len(auth.Signature) != ethcrypto.SignatureLength {
		return common.Address{}, auth, ErrInvalidSigLen
	}
	sig := make([]byte, len(auth.Signature))
	copy(sig, auth.Signature)
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	digest, err := AuthDigest(gate, sender, params, bundle.KernelResponses, bundle.KernelParams, auth.Nonce)
	if err != nil {
		return common.Address{}, auth, err
	}
	pub, err := ethcrypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, auth, fmt.Errorf("recover signer: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), auth, nil
}

// EncodeKernelParams returns abi.encode(uint256 kernelId, bytes32 requestDigest).
func EncodeKernelParams(kernelID *big.Int, requestDigest common.Hash) ([]byte, error) {
	return kernelParamsArgs.Pack(kernelID, requestDigest)
}

func DecodeKernelParams(blob []byte) (*big.Int, common.Hash, error) {
	values, err := kernelParamsArgs.Unpack(blob)
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("%w: kernel params: %v", ErrMalformed, err)
	}
	id, ok1 := values[0].(*big.Int)
	digest, ok2 := values[1].([32]byte)
	if !ok1 || !ok2 {
		return nil, common.Hash{}, fmt.Errorf("%w: kernel params", ErrMalformed)
	}
	return id, digest, nil
}

// RequestDigest is the sha256 of the canonical JSON form of req.
func RequestDigest(req types.AttestationRequest) (common.Hash, error) {
	canonical, err := crypto.CanonicalizeJSON(req)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(crypto.DigestBytes(canonical)), nil
}
