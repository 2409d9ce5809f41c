// Package evm provides the EIP-712 permit signer backing the payment transport.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	x402 "github.com/permitflow/x402"
)

// PermitValidityPeriod is how long a freshly signed permit stays valid.
const PermitValidityPeriod = time.Hour

// NoncesABI is the ERC-2612 nonces view read for replay protection.
var NoncesABI = []byte(`[
	{
		"inputs": [{"name": "owner", "type": "address"}],
		"name": "nonces",
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	}
]`)

// permitTypes are the EIP-712 type definitions for an ERC-2612 Permit.
var permitTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Permit": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// PermitSigner produces time-boxed, off-chain-signed spending authorizations
// against a router's asset contract. It holds the wallet's private key and a
// contract caller for nonce reads (an *ethclient.Client in production).
//
// The signer performs no retries: chain-read and signing failures propagate
// to the caller, which decides whether to re-attempt the whole operation.
type PermitSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	caller     ethereum.ContractCaller

	now func() time.Time
}

// NewPermitSigner creates a permit signer from a hex-encoded private key and
// a contract caller used for ERC-2612 nonce reads.
func NewPermitSigner(privateKeyHex string, caller ethereum.ContractCaller) (*PermitSigner, error) {
	normalized, err := x402.NormalizePrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(normalized, "0x"))
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidPrivateKey,
			"privateKey is not a valid secp256k1 scalar", err)
	}

	return &PermitSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		caller:     caller,
		now:        time.Now,
	}, nil
}

// Address returns the checksummed address derived from the signing key.
func (s *PermitSigner) Address() string {
	return s.address.Hex()
}

// SignPermit signs an ERC-2612 permit authorizing the router's facilitator to
// spend up to permitCap of the configured asset, valid for one hour. The
// asset contract's nonces(owner) view is read on-chain so each permit
// consumes a fresh nonce.
func (s *PermitSigner) SignPermit(ctx context.Context, permitCap *big.Int, cfg x402.RouterConfig) (*x402.CachedPermit, error) {
	if err := x402.ValidateAddress("asset", cfg.Asset); err != nil {
		return nil, err
	}
	if err := x402.ValidateAddress("facilitatorSigner", cfg.FacilitatorSigner); err != nil {
		return nil, err
	}
	if permitCap == nil || permitCap.Sign() <= 0 {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidConfig,
			"permitCap must be a positive amount", nil)
	}

	chainID := x402.ChainIDForNetwork(cfg.Network)

	nonce, err := s.readNonce(ctx, cfg.Asset)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeNonceReadFailed,
			fmt.Sprintf("reading nonces(%s) on %s", s.address.Hex(), cfg.Asset), err)
	}

	deadline := s.now().Add(PermitValidityPeriod).Unix()

	tokenName, tokenVersion := cfg.TokenName, cfg.TokenVersion
	if tokenName == "" || tokenVersion == "" {
		chain := x402.ResolveChain(cfg.Network)
		if tokenName == "" {
			tokenName = chain.DefaultTokenName
		}
		if tokenVersion == "" {
			tokenVersion = chain.DefaultTokenVersion
		}
	}

	authorization := x402.PermitAuthorization{
		Owner:    s.address.Hex(),
		Spender:  common.HexToAddress(cfg.FacilitatorSigner).Hex(),
		Value:    permitCap.String(),
		Nonce:    nonce.String(),
		Deadline: strconv.FormatInt(deadline, 10),
	}

	signature, err := s.signAuthorization(authorization, chainID, cfg.Asset, tokenName, tokenVersion)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed,
			"signing permit authorization", err)
	}

	paymentSig, err := x402.EncodePermitPayload(x402.PermitPayload{
		X402Version: x402.ProtocolVersion,
		Scheme:      x402.SchemePermit,
		Network:     cfg.Network,
		Payload: x402.PermitPayloadBody{
			Signature:     hexutil.Encode(signature),
			Authorization: authorization,
		},
	})
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeSigningFailed,
			"encoding permit payload", err)
	}

	return &x402.CachedPermit{
		PaymentSig: paymentSig,
		Deadline:   deadline,
		MaxValue:   permitCap.String(),
		Nonce:      nonce.String(),
		Network:    cfg.Network,
		Asset:      cfg.Asset,
		PayTo:      cfg.PayTo,
	}, nil
}

// readNonce calls the ERC-2612 nonces(owner) view on the asset contract.
func (s *PermitSigner) readNonce(ctx context.Context, asset string) (*big.Int, error) {
	if s.caller == nil {
		return nil, fmt.Errorf("nonce reads require a contract caller; pass an ethclient to NewPermitSigner")
	}

	contractABI, err := abi.JSON(strings.NewReader(string(NoncesABI)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nonces ABI: %w", err)
	}

	data, err := contractABI.Pack("nonces", s.address)
	if err != nil {
		return nil, fmt.Errorf("failed to pack nonces call: %w", err)
	}

	addr := common.HexToAddress(asset)
	result, err := s.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack("nonces", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack nonces result: %w", err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected nonces output arity: %d", len(outputs))
	}
	nonce, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected nonces output type %T", outputs[0])
	}
	return nonce, nil
}

// signAuthorization computes the EIP-712 digest for the permit and signs it.
func (s *PermitSigner) signAuthorization(
	authorization x402.PermitAuthorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	digest, err := HashPermitAuthorization(authorization, chainID, verifyingContract, tokenName, tokenVersion)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Adjust v value for Ethereum (recovery ID 0/1 → 27/28)
	signature[64] += 27

	return signature, nil
}

// HashPermitAuthorization computes the EIP-712 digest of an ERC-2612 Permit:
// keccak256("\x19\x01" + domainSeparator + structHash).
func HashPermitAuthorization(
	authorization x402.PermitAuthorization,
	chainID *big.Int,
	verifyingContract string,
	tokenName string,
	tokenVersion string,
) ([]byte, error) {
	value, ok := new(big.Int).SetString(authorization.Value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permit value: %s", authorization.Value)
	}
	nonce, ok := new(big.Int).SetString(authorization.Nonce, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permit nonce: %s", authorization.Nonce)
	}
	deadline, ok := new(big.Int).SetString(authorization.Deadline, 10)
	if !ok {
		return nil, fmt.Errorf("invalid permit deadline: %s", authorization.Deadline)
	}

	typedData := apitypes.TypedData{
		Types:       permitTypes,
		PrimaryType: "Permit",
		Domain: apitypes.TypedDataDomain{
			Name:              tokenName,
			Version:           tokenVersion,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: map[string]interface{}{
			"owner":    common.HexToAddress(authorization.Owner).Hex(),
			"spender":  common.HexToAddress(authorization.Spender).Hex(),
			"value":    value,
			"nonce":    nonce,
			"deadline": deadline,
		},
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256(rawData), nil
}
