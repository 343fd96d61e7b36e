// Package receipt builds and verifies the tamper-evident, hash-chained
// receipt stamped on every execution.
//
// Signing is adapted from the teacher's exchange.Auth, which holds an
// ecdsa.PrivateKey and calls crypto.Sign over a message hash to prove
// order authorship to Polymarket; here the same crypto.Sign call proves
// authorship of a receipt to anyone who holds the core's public key,
// giving the spec's "signed, hash-chained receipts" literal cryptographic
// teeth instead of being a purely hash-based audit trail. The key is an
// internal integrity primitive generated and held by the core process,
// not a user-facing wallet key.
package receipt

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"tradecore/internal/hash"
	"tradecore/pkg/types"
)

// Signer holds the core instance's receipt-signing key.
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner parses a hex-encoded ECDSA private key (no "0x" prefix).
func NewSigner(keyHex string) (*Signer, error) {
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse receipt signer key: %w", err)
	}
	return &Signer{key: key}, nil
}

// GenerateSigner creates a fresh receipt-signing key, hex-encoding it for
// storage in AppState.ReceiptSignerKeyHex. Called by tradecore.Open only
// when the state has no key yet; never rotated without an explicit
// operator action.
func GenerateSigner() (*Signer, string, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate receipt signer key: %w", err)
	}
	keyHex := fmt.Sprintf("%x", crypto.FromECDSA(key))
	return &Signer{key: key}, keyHex, nil
}

// BuildPayload projects an ExecutionRecord into the canonical, hashable
// ReceiptPayload (spec §6.3's fixed field set).
func BuildPayload(exec *types.ExecutionRecord) types.ReceiptPayload {
	return types.ReceiptPayload{
		ExecutionID:      exec.ID,
		IntentID:         exec.IntentID,
		AgentID:          exec.AgentID,
		Symbol:           exec.Symbol,
		Side:             exec.Side,
		Quantity:         exec.Quantity,
		PriceUsd:         exec.PriceUsd,
		GrossNotionalUsd: exec.GrossNotionalUsd,
		FeeUsd:           exec.FeeUsd,
		NetUsd:           exec.NetUsd,
		RealizedPnlUsd:   exec.RealizedPnlUsd,
		PnlSnapshotUsd:   exec.PnlSnapshotUsd,
		Mode:             exec.Mode,
		Status:           exec.Status,
		FailureReason:    exec.FailureReason,
		TxSignature:      exec.TxSignature,
		Timestamp:        exec.CreatedAt,
	}
}

// chainMessage assembles the string hashed to obtain a receipt's hash:
// "{version}|{payloadHash}|{prevReceiptHash}". The first receipt in an
// agent's chain (empty prevReceiptHash) chains off a fixed genesis marker
// instead of an empty string, so a genesis receipt is never
// hash-identical to one whose predecessor happens to hash to the empty
// string.
func chainMessage(payloadHash, prevReceiptHash string) string {
	if prevReceiptHash == "" {
		prevReceiptHash = "GENESIS"
	}
	return types.ReceiptVersion + "|" + payloadHash + "|" + prevReceiptHash
}

// CreateReceipt builds the canonical payload for exec, hashes it, chains
// it onto prevReceiptHash (empty for the first receipt in an agent's
// chain), and signs the resulting receipt hash with the instance key.
func (s *Signer) CreateReceipt(exec *types.ExecutionRecord, prevReceiptHash string) (*types.Receipt, error) {
	payload := BuildPayload(exec)

	payloadHash, err := hash.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("hash payload: %w", err)
	}

	message := chainMessage(payloadHash, prevReceiptHash)
	receiptHash, err := hash.Hash(message)
	if err != nil {
		return nil, fmt.Errorf("hash chain message: %w", err)
	}

	sigPayload, err := s.sign(message, receiptHash)
	if err != nil {
		return nil, fmt.Errorf("sign receipt: %w", err)
	}

	return &types.Receipt{
		Version:          types.ReceiptVersion,
		ExecutionID:      exec.ID,
		Payload:          payload,
		PayloadHash:      payloadHash,
		PrevReceiptHash:  prevReceiptHash,
		ReceiptHash:      receiptHash,
		SignaturePayload: sigPayload,
		CreatedAt:        exec.CreatedAt,
	}, nil
}

// sign produces the signature envelope for a receipt. messageHash is the
// receipt hash itself — the spec's verification rule requires
// signature.messageHash to equal the receipt hash directly, not a hash of
// it.
func (s *Signer) sign(message, receiptHash string) (types.SignaturePayload, error) {
	digest := crypto.Keccak256([]byte(receiptHash))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return types.SignaturePayload{}, fmt.Errorf("ecdsa sign: %w", err)
	}

	return types.SignaturePayload{
		Scheme:       types.SignatureScheme,
		Message:      message,
		MessageHash:  receiptHash,
		SignatureHex: fmt.Sprintf("%x", sig),
	}, nil
}

// VerifyResult reports whether a receipt is internally consistent, plus
// the recomputed values for diagnosing exactly where a tamper occurred.
type VerifyResult struct {
	OK                           bool
	ExpectedPayloadHash          string
	ExpectedReceiptHash          string
	ExpectedSignaturePayloadHash string
}

// VerifyReceipt recomputes every hash and signature field from exec and
// the receipt's own metadata (prevReceiptHash, signature message) and
// checks the five equalities named in spec §4.7: the payload hash
// recomputed from exec against the receipt's stored payloadHash, the
// recomputed receipt hash against the stored
// receiptHash, the recomputed chain message against the stored signature
// message, the stored signature messageHash against the stored
// receiptHash, and the recomputed signature envelope hash against the
// stored one.
func (s *Signer) VerifyReceipt(exec *types.ExecutionRecord, r *types.Receipt) (VerifyResult, error) {
	expectedPayloadHash, err := hash.Hash(BuildPayload(exec))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("hash payload: %w", err)
	}

	expectedMessage := chainMessage(expectedPayloadHash, r.PrevReceiptHash)
	expectedReceiptHash, err := hash.Hash(expectedMessage)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("hash chain message: %w", err)
	}

	expectedSigPayload := types.SignaturePayload{
		Scheme:       types.SignatureScheme,
		Message:      expectedMessage,
		MessageHash:  expectedReceiptHash,
		SignatureHex: r.SignaturePayload.SignatureHex,
	}
	expectedSigHash, err := hash.Hash(expectedSigPayload)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("hash signature payload: %w", err)
	}
	actualSigHash, err := hash.Hash(r.SignaturePayload)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("hash stored signature payload: %w", err)
	}

	ok := expectedPayloadHash == r.PayloadHash &&
		expectedReceiptHash == r.ReceiptHash &&
		expectedMessage == r.SignaturePayload.Message &&
		r.SignaturePayload.MessageHash == r.ReceiptHash &&
		expectedSigHash == actualSigHash

	return VerifyResult{
		OK:                           ok,
		ExpectedPayloadHash:          expectedPayloadHash,
		ExpectedReceiptHash:          expectedReceiptHash,
		ExpectedSignaturePayloadHash: expectedSigHash,
	}, nil
}
