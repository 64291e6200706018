package escrow

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// authorizationArgs is the ABI layout of the signed tuple:
// (uint256 id, address submitter, address beneficiary, bytes32 referenceHash).
var authorizationArgs = func() abi.Arguments {
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	addressTy, _ := abi.NewType("address", "", nil)
	bytes32Ty, _ := abi.NewType("bytes32", "", nil)
	return abi.Arguments{
		{Name: "id", Type: uint256Ty},
		{Name: "submitter", Type: addressTy},
		{Name: "beneficiary", Type: addressTy},
		{Name: "referenceHash", Type: bytes32Ty},
	}
}()

// ReferenceHash is keccak256 of the opaque reference string.
func ReferenceHash(reference string) common.Hash {
	return crypto.Keccak256Hash([]byte(reference))
}

// AuthorizationDigest returns the canonical message digest binding a bounty
// to the submitting identity and its beneficiary.
func AuthorizationDigest(id uint64, submitter, beneficiary common.Address, reference string) (common.Hash, error) {
	packed, err := authorizationArgs.Pack(
		new(big.Int).SetUint64(id),
		submitter,
		beneficiary,
		[32]byte(ReferenceHash(reference)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode authorization: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// SignAuthorization produces a 65-byte EIP-191 signature over the digest with
// v in {27, 28}, the form wallets emit for personal_sign.
func SignAuthorization(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverAuthorizer recovers the address that signed digest.
// Accepts v as 0/1 or 27/28 and rejects malleable (high-s) signatures.
func RecoverAuthorizer(digest common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := append([]byte(nil), signature...)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, fmt.Errorf("signature values out of range")
	}

	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// signatureDigest identifies a signature independent of its recovery byte,
// so a re-encoded v cannot be replayed.
func signatureDigest(signature []byte) common.Hash {
	if len(signature) == crypto.SignatureLength {
		return crypto.Keccak256Hash(signature[:crypto.RecoveryIDOffset])
	}
	return crypto.Keccak256Hash(signature)
}
