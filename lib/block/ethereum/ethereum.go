// Package ethereum implements the chain interface for ethereum-type (account based) networks: ETH and DUCX.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
)

// TxGas is the fixed gas of a plain value transfer.
const TxGas uint64 = 21000

// rpcTimeout bounds every node call so a stuck node surfaces as an error instead of a hung worker.
const rpcTimeout = 10 * time.Second

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	name     string
	rc       *rpc.Client
	c        *ethclient.Client
	chainID  *big.Int
	gasPrice *big.Int // config override, nil when the node estimate should be used
	treasury common.Address
	walletPw string
}

// Init returns a connection to an ethereum-type node for the configured chain. It checks the node is alive (nonzero
// chain height) and fails fast otherwise.
func Init(cc config.ChainConfig) (*Ethereum, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	rc, err := rpc.DialContext(ctx, cc.Node)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w: %v", cc.Name, types.ErrNotConnected, err)
	}

	e := &Ethereum{
		name:     cc.Name,
		rc:       rc,
		c:        ethclient.NewClient(rc),
		treasury: common.HexToAddress(cc.Treasury),
		walletPw: cc.WalletPassword,
	}
	if cc.GasPrice > 0 {
		e.gasPrice = new(big.Int).SetUint64(cc.GasPrice)
	}

	tip, err := e.Tip()
	if err != nil || tip == 0 {
		rc.Close()
		return nil, fmt.Errorf("[%s] %w: height %d err %v", cc.Name, types.ErrNotConnected, tip, err)
	}

	if e.chainID, err = e.c.ChainID(ctx); err != nil {
		rc.Close()
		return nil, fmt.Errorf("[%s] %w: chain id: %v", cc.Name, types.ErrNotConnected, err)
	}

	return e, nil
}

// Name returns the currency code of the chain.
func (e *Ethereum) Name() string {
	return e.name
}

// Family returns the account family tag.
func (e *Ethereum) Family() string {
	return config.FamilyAccount
}

// Close ends the connection.
func (e *Ethereum) Close() {
	e.rc.Close()
}

// Tip returns the current chain height.
func (e *Ethereum) Tip() (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return e.c.BlockNumber(ctx)
}

// Balance returns the wei balance of the address.
func (e *Ethereum) Balance(address string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return e.c.BalanceAt(ctx, common.HexToAddress(address), nil)
}

// Nonce returns the pending transaction count of the address.
func (e *Ethereum) Nonce(address string) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return e.c.PendingNonceAt(ctx, common.HexToAddress(address))
}

// GasPrice returns the configured override when set, the node estimate otherwise.
func (e *Ethereum) GasPrice() (*big.Int, error) {
	if e.gasPrice != nil {
		return new(big.Int).Set(e.gasPrice), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	return e.c.SuggestGasPrice(ctx)
}

// SendValue signs a plain value transfer offline with key and broadcasts it. Signing and broadcast are the final
// indivisible step: any failure surfaces as ErrInterface and no half-signed state remains.
func (e *Ethereum) SendValue(key *ecdsa.PrivateKey, to string, value, gasPrice *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := e.c.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("[%s] %w: nonce for %s: %v", e.name, types.ErrInterface, from.Hex(), err)
	}

	tx := ethtypes.NewTransaction(nonce, common.HexToAddress(to), value, TxGas, gasPrice, nil)

	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(e.chainID), key)
	if err != nil {
		return "", fmt.Errorf("[%s] %w: sign: %v", e.name, types.ErrInterface, err)
	}

	if err = e.c.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("[%s] %w: broadcast: %v", e.name, types.ErrInterface, err)
	}

	return signed.Hash().Hex(), nil
}

// Receipt returns the confirmation status of the transaction. An unmined transaction is not an error.
func (e *Ethereum) Receipt(hash string) (types.Receipt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	r, err := e.c.TransactionReceipt(ctx, common.HexToHash(hash))
	if errors.Is(err, geth.NotFound) {
		return types.Receipt{Hash: hash}, nil
	}
	if err != nil {
		return types.Receipt{}, err
	}

	return types.Receipt{
		Hash:      hash,
		Block:     r.BlockNumber.Uint64(),
		Confirmed: r.Status == ethtypes.ReceiptStatusSuccessful,
	}, nil
}

// ValidateAddress checks the address is a well formed hex account.
func (e *Ethereum) ValidateAddress(address string) (bool, error) {
	return common.IsHexAddress(address), nil
}

// sendTxArgs is the personal_sendTransaction parameter object.
type sendTxArgs struct {
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
	Value    *hexutil.Big   `json:"value"`
	Gas      hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big   `json:"gasPrice,omitempty"`
}

// NodeTransfer sends amount wei from the node-held treasury account, letting the node sign with its unlocked wallet.
func (e *Ethereum) NodeTransfer(to string, amount *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	args := sendTxArgs{
		From:  e.treasury,
		To:    common.HexToAddress(to),
		Value: (*hexutil.Big)(amount),
		Gas:   hexutil.Uint64(TxGas),
	}
	if e.gasPrice != nil {
		args.GasPrice = (*hexutil.Big)(e.gasPrice)
	}

	var hash common.Hash
	if err := e.rc.CallContext(ctx, &hash, "personal_sendTransaction", args, e.walletPw); err != nil {
		return "", fmt.Errorf("[%s] %w: treasury transfer: %v", e.name, types.ErrInterface, err)
	}

	return hash.Hex(), nil
}
