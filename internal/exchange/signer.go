// signer.go implements exchange order signing for the sign-order endpoint.
//
// The exchange authenticates actions with an EIP-712 "phantom agent"
// signature: the action payload is hashed together with the nonce into a
// connection id, and the wallet signs an Agent struct carrying that id.
// The private key arrives with the request, is used for the one signing
// call, and is never stored or logged.
package exchange

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/pkg/types"
)

// agentChainID is the fixed chain id of the exchange signing domain. It is
// part of the signature scheme, not the settlement chain.
const agentChainID = 1337

// RSV is a split secp256k1 signature in the wire form the exchange expects.
type RSV struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// orderWire is the compact order encoding inside an action payload.
type orderWire struct {
	Asset      int             `json:"a"`
	IsBuy      bool            `json:"b"`
	Price      string          `json:"p"`
	Size       string          `json:"s"`
	ReduceOnly bool            `json:"r"`
	Type       json.RawMessage `json:"t"`
}

type orderAction struct {
	Type     string      `json:"type"` // always "order"
	Orders   []orderWire `json:"orders"`
	Grouping string      `json:"grouping"` // always "na"
}

// SignedAction is the canonical exchange request body the browser submits
// upstream: the action, the nonce that salted it, and the signature.
type SignedAction struct {
	Action    json.RawMessage `json:"action"`
	Nonce     int64           `json:"nonce"`
	Signature RSV             `json:"signature"`
}

// Signer produces signed order actions. It is stateless apart from the
// network flag, which selects the agent source tag.
type Signer struct {
	testnet bool
	now     func() time.Time // injectable clock for tests
}

// NewSigner creates a signer for the given network.
func NewSigner(testnet bool) *Signer {
	return &Signer{testnet: testnet, now: time.Now}
}

// SignOrder builds and signs a single-order action from a client request.
// The key must correspond to the request's wallet address.
func (s *Signer) SignOrder(req types.OrderRequest) (*SignedAction, error) {
	key, addr, err := parseKey(req.PrivateKey)
	if err != nil {
		return nil, err
	}
	want, err := types.ParseAddress(req.WalletAddress)
	if err != nil {
		return nil, err
	}
	if types.NormalizeAddress(addr.Hex()) != want {
		return nil, fmt.Errorf("private key does not match wallet address %s", want.Short())
	}

	action, err := buildOrderAction(req)
	if err != nil {
		return nil, err
	}

	nonce := s.now().UnixMilli()
	sig, err := s.signAction(key, action, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}

	return &SignedAction{Action: action, Nonce: nonce, Signature: sig}, nil
}

// buildOrderAction validates the request fields and assembles the compact
// wire action.
func buildOrderAction(req types.OrderRequest) (json.RawMessage, error) {
	px, err := decimal.NewFromString(req.Price)
	if err != nil || px.Sign() <= 0 {
		return nil, fmt.Errorf("invalid price %q", req.Price)
	}
	sz, err := decimal.NewFromString(req.Size)
	if err != nil || sz.Sign() <= 0 {
		return nil, fmt.Errorf("invalid size %q", req.Size)
	}
	if req.AssetIndex < 0 {
		return nil, fmt.Errorf("invalid asset index %d", req.AssetIndex)
	}

	tif := types.TimeInForce(req.TimeInForce)
	switch tif {
	case "":
		tif = types.TifGtc
	case types.TifGtc, types.TifIoc, types.TifAlo:
	default:
		return nil, fmt.Errorf("invalid time-in-force %q", req.TimeInForce)
	}
	if req.OrderType != "" && types.OrderType(req.OrderType) != types.OrderTypeLimit {
		return nil, fmt.Errorf("unsupported order type %q", req.OrderType)
	}

	typeField, err := json.Marshal(map[string]any{
		"limit": map[string]string{"tif": string(tif)},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order type: %w", err)
	}

	action := orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:      req.AssetIndex,
			IsBuy:      req.IsBuy,
			Price:      px.String(),
			Size:       sz.String(),
			ReduceOnly: req.ReduceOnly,
			Type:       typeField,
		}},
		Grouping: "na",
	}

	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return raw, nil
}

// signAction hashes the action with the nonce into a connection id and
// signs the Agent struct over it.
func (s *Signer) signAction(key *ecdsa.PrivateKey, action json.RawMessage, nonce int64) (RSV, error) {
	connectionID := actionHash(action, nonce)

	source := "a"
	if s.testnet {
		source = "b"
	}

	sig, err := signTypedData(
		key,
		&apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(agentChainID)),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID[:],
		},
		"Agent",
	)
	if err != nil {
		return RSV{}, err
	}

	return RSV{
		R: "0x" + common.Bytes2Hex(sig[:32]),
		S: "0x" + common.Bytes2Hex(sig[32:64]),
		V: sig[64],
	}, nil
}

// actionHash derives the connection id: keccak over the serialized action,
// the big-endian nonce, and a zero byte marking the absence of a vault.
func actionHash(action json.RawMessage, nonce int64) common.Hash {
	data := make([]byte, 0, len(action)+9)
	data = append(data, action...)

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	data = append(data, nonceBytes[:]...)
	data = append(data, 0x00)

	return crypto.Keccak256Hash(data)
}

// signTypedData signs EIP-712 typed data and adjusts V to 27/28.
func signTypedData(
	key *ecdsa.PrivateKey,
	domain *apitypes.TypedDataDomain,
	typesDef apitypes.Types,
	message apitypes.TypedDataMessage,
	primaryType string,
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       typesDef,
		PrimaryType: primaryType,
		Domain:      *domain,
		Message:     message,
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// parseKey decodes a hex private key and derives its address.
func parseKey(keyHex string) (*ecdsa.PrivateKey, common.Address, error) {
	keyHex = strings.TrimPrefix(keyHex, "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("parse private key: %w", err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey), nil
}
