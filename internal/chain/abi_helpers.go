package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"inference-oracle/internal/domain"
)

// Shared ABI primitive types, built once. Treated as opaque codec bindings
// per the design note in spec §9 — hand-packed rather than code-generated,
// since the spec supplies no .sol/.json ABI artifact to generate from.
var (
	addressType, _      = abi.NewType("address", "", nil)
	addressSliceType, _ = abi.NewType("address[]", "", nil)
	uint64Type, _       = abi.NewType("uint64", "", nil)
	uint8Type, _        = abi.NewType("uint8", "", nil)
	uint256Type, _      = abi.NewType("uint256", "", nil)
	boolType, _         = abi.NewType("bool", "", nil)
	stringType, _       = abi.NewType("string", "", nil)
	bytesType, _        = abi.NewType("bytes", "", nil)
)

type ecdsaLike ecdsa.PrivateKey

func (p *privateKeySigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), (*ecdsa.PrivateKey)(p.key))
}

func (p *privateKeySigner) Address() common.Address {
	return crypto.PubkeyToAddress((*ecdsa.PrivateKey)(p.key).PublicKey)
}

func methodSelector(method string, args abi.Arguments) []byte {
	names := make([]string, len(args))
	for i, a := range args {
		names[i] = a.Type.String()
	}
	sig := method + "(" + strings.Join(names, ",") + ")"
	return crypto.Keccak256([]byte(sig))[:4]
}

// call performs a read-only eth_call against target and decodes the result
// with outTypes.
func (c *EthClient) call(ctx context.Context, target common.Address, method string, inTypes abi.Arguments, inArgs []any, outTypes abi.Arguments) ([]any, error) {
	data, err := packCall(method, inTypes, inArgs)
	if err != nil {
		return nil, err
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	if len(outTypes) == 0 {
		return nil, nil
	}
	vals, err := outTypes.UnpackValues(out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s result: %w", method, err)
	}
	return vals, nil
}

func (c *EthClient) callUint64(ctx context.Context, target common.Address, method string) (uint64, error) {
	out, err := c.call(ctx, target, method, nil, nil, abi.Arguments{{Type: uint64Type}})
	if err != nil {
		return 0, err
	}
	return out[0].(uint64), nil
}

func (c *EthClient) callAddresses(ctx context.Context, target common.Address, method string) ([]domain.Address, error) {
	out, err := c.call(ctx, target, method, nil, nil, abi.Arguments{{Type: addressSliceType}})
	if err != nil {
		return nil, err
	}
	raw := out[0].([]common.Address)
	addrs := make([]domain.Address, len(raw))
	for i, a := range raw {
		addrs[i] = domain.Address(a)
	}
	return addrs, nil
}

func packCall(method string, inTypes abi.Arguments, inArgs []any) ([]byte, error) {
	selector := methodSelector(method, inTypes)
	if len(inTypes) == 0 {
		return selector, nil
	}
	packed, err := inTypes.Pack(inArgs...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s args: %w", method, err)
	}
	return append(selector, packed...), nil
}

// send submits a write transaction to target and blocks until it is
// included, per spec §4.4/§4.5's "await inclusion" requirement.
func (c *EthClient) send(ctx context.Context, target common.Address, method string, inTypes abi.Arguments, inArgs []any) error {
	data, err := packCall(method, inTypes, inArgs)
	if err != nil {
		return err
	}
	return c.sendRaw(ctx, target, data)
}

func (c *EthClient) sendRaw(ctx context.Context, target common.Address, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.signer.Address()
	var nonce uint64
	var err error
	if c.haveN {
		nonce = c.nonce
	} else {
		nonce, err = c.eth.PendingNonceAt(ctx, from)
		if err != nil {
			return fmt.Errorf("chain: nonce for %s: %w", from.Hex(), err)
		}
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("chain: suggest gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &target, Data: data})
	if err != nil {
		gasLimit = 300000
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx, c.addr.ChainID)
	if err != nil {
		return fmt.Errorf("chain: sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("chain: send tx: %w", err)
	}
	c.nonce = nonce + 1
	c.haveN = true

	if _, err := bind.WaitMined(ctx, c.eth, signed); err != nil {
		c.haveN = false
		return fmt.Errorf("chain: await inclusion: %w", err)
	}
	return nil
}
