// Package block defines the interface required for all blockchain connections.
package block

import (
	"crypto/ecdsa"
	"log"
	"math/big"

	"github.com/ducatus/exchange/lib/block/ducatus"
	"github.com/ducatus/exchange/lib/block/ethereum"
	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
)

// Chain is the capability surface common to every connected blockchain. It has been designed to be as much standard
// as possible; family-specific capabilities are exposed by the AccountChain and UTXOChain interfaces.
type Chain interface {
	Name() string
	Family() string // config.FamilyAccount or config.FamilyUTXO
	Close()
	Tip() (uint64, error)
	Balance(address string) (*big.Int, error)
	Receipt(hash string) (types.Receipt, error)
	ValidateAddress(address string) (bool, error)
	// NodeTransfer sends amount (minimal units) from the node-held treasury wallet to the given address.
	NodeTransfer(to string, amount *big.Int) (string, error)
}

// AccountChain is a chain keeping balances as account state with a sequence number.
type AccountChain interface {
	Chain
	Nonce(address string) (uint64, error)
	GasPrice() (*big.Int, error)
	// SendValue signs a value transfer offline with key and broadcasts it, returning the transaction hash.
	SendValue(key *ecdsa.PrivateKey, to string, value, gasPrice *big.Int) (string, error)
}

// UTXOChain is a chain keeping balances as unspent outputs requiring explicit input selection. Unspent lookups return
// ok=false on a network failure so callers can tell it apart from an address with zero activity (empty, ok=true).
type UTXOChain interface {
	Chain
	Unspent(address string) ([]types.Utxo, bool, error)
	UnspentFromTx(address, txHash string) ([]types.Utxo, bool, error)
	// ReturnAddress resolves the first input address of the given funding transaction.
	ReturnAddress(txHash string) (string, bool, error)
	FeePerTx() (*big.Int, error)
	// SendRaw builds a raw transaction from inputs to the output set (minimal units), signs it on the node with the
	// given WIF key and broadcasts it.
	SendRaw(inputs []types.Utxo, outputs map[string]*big.Int, wif string) (string, error)
}

// Init loads all the clients read from the config into a map keyed by currency. Construction of each client performs
// a liveness check against the node and fails fast when it is unreachable.
func Init(chains []config.ChainConfig) (m map[string]Chain, err error) {
	m = make(map[string]Chain)

	for _, cc := range chains {
		var c Chain

		switch cc.Family {
		case config.FamilyAccount:
			if c, err = ethereum.Init(cc); err != nil {
				return
			}
		case config.FamilyUTXO:
			if c, err = ducatus.Init(cc); err != nil {
				return
			}
		default:
			log.Printf("Blockchain interface not defined for %s family %q. Ignoring...\n", cc.Name, cc.Family)
			continue
		}

		m[cc.Name] = c
	}

	return
}

// End closes gracefully all the blockchain clients opened.
func End(bc map[string]Chain) {
	for _, c := range bc {
		c.Close()
	}
}
