// Package ducatus implements the chain interface for bitcoin-type (UTXO based) networks: DUC and BTC. Address
// lookups go through a bitcore-style explorer API, transaction construction and signing through the chain node's
// JSON-RPC wallet interface.
package ducatus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ducatus/exchange/lib/block/types"
	"github.com/ducatus/exchange/lib/config"
)

// coinExp is the minimal-unit exponent of bitcoin-type chains (1 coin = 1e8 satoshi).
const coinExp int32 = 8

const httpTimeout = 15 * time.Second

// Ducatus implements a connection to a bitcoin-type chain.
type Ducatus struct {
	name     string
	api      string
	node     string
	user     string
	pass     string
	walletPw string
	fee      int64 // configured fallback network fee in minimal units
	hc       *http.Client
}

// Init returns a connection to a bitcoin-type node and its explorer API for the configured chain. It checks the node
// is alive (nonzero chain height) and fails fast otherwise.
func Init(cc config.ChainConfig) (*Ducatus, error) {
	d := &Ducatus{
		name:     cc.Name,
		api:      cc.API,
		node:     cc.Node,
		user:     cc.User,
		pass:     cc.Password,
		walletPw: cc.WalletPassword,
		fee:      cc.Fee,
		hc:       &http.Client{Timeout: httpTimeout},
	}

	tip, err := d.Tip()
	if err != nil || tip == 0 {
		return nil, fmt.Errorf("[%s] %w: height %d err %v", cc.Name, types.ErrNotConnected, tip, err)
	}

	return d, nil
}

// Name returns the currency code of the chain.
func (d *Ducatus) Name() string {
	return d.name
}

// Family returns the utxo family tag.
func (d *Ducatus) Family() string {
	return config.FamilyUTXO
}

// Close ends the connection.
func (d *Ducatus) Close() {
	d.hc.CloseIdleConnections()
}

type rpcRequest struct {
	ID     int           `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call executes a JSON-RPC method against the chain node.
func (d *Ducatus) call(method string, params []interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, d.node, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if d.user != "" {
		req.SetBasicAuth(d.user, d.pass)
	}

	res, err := d.hc.Do(req)
	if err != nil {
		return fmt.Errorf("[%s] rpc %s: %w", d.name, method, err)
	}
	defer res.Body.Close()

	var rr rpcResponse
	if err = json.NewDecoder(res.Body).Decode(&rr); err != nil {
		return fmt.Errorf("[%s] rpc %s: decode: %w", d.name, method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("[%s] rpc %s: node error %d: %s", d.name, method, rr.Error.Code, rr.Error.Message)
	}
	if result != nil {
		return json.Unmarshal(rr.Result, result)
	}
	return nil
}

// get executes a GET against the explorer API and decodes the JSON body into result.
func (d *Ducatus) get(path string, result interface{}) error {
	res, err := d.hc.Get(d.api + path)
	if err != nil {
		return fmt.Errorf("[%s] api %s: %w", d.name, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("[%s] api %s: status %d", d.name, path, res.StatusCode)
	}
	return json.NewDecoder(res.Body).Decode(result)
}

// Tip returns the current chain height from the node.
func (d *Ducatus) Tip() (uint64, error) {
	var height uint64
	if err := d.call("getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// Balance returns the minimal-unit balance of the address from the explorer API.
func (d *Ducatus) Balance(address string) (*big.Int, error) {
	var data struct {
		Balance json.Number `json:"balance"`
	}
	if err := d.get("/address/"+address+"/balance", &data); err != nil {
		return nil, err
	}

	bal, err := decimal.NewFromString(data.Balance.String())
	if err != nil {
		return nil, fmt.Errorf("[%s] balance of %s: %w", d.name, address, err)
	}
	return bal.BigInt(), nil
}

// apiCoin is one coin record of the explorer API address endpoint.
type apiCoin struct {
	MintTxid  string `json:"mintTxid"`
	MintIndex uint32 `json:"mintIndex"`
	SpentTxid string `json:"spentTxid"`
	Value     int64  `json:"value"`
}

// coins fetches all coin records of the address. ok=false means the explorer could not be reached: callers must not
// treat it as an address with zero activity.
func (d *Ducatus) coins(address string) ([]apiCoin, bool, error) {
	var list []apiCoin
	if err := d.get("/address/"+address, &list); err != nil {
		return nil, false, err
	}
	return list, true, nil
}

// Unspent returns the unspent outputs of the address. An address with zero activity yields (empty, ok=true).
func (d *Ducatus) Unspent(address string) ([]types.Utxo, bool, error) {
	list, ok, err := d.coins(address)
	if !ok {
		return nil, false, err
	}

	var utxos []types.Utxo
	for _, c := range list {
		if c.SpentTxid == "" {
			utxos = append(utxos, types.Utxo{TxID: c.MintTxid, Vout: c.MintIndex, Value: c.Value})
		}
	}
	return utxos, true, nil
}

// UnspentFromTx returns the unspent outputs of the address minted by the given funding transaction, so collection
// does not pull unrelated inputs.
func (d *Ducatus) UnspentFromTx(address, txHash string) ([]types.Utxo, bool, error) {
	list, ok, err := d.coins(address)
	if !ok {
		return nil, false, err
	}

	var utxos []types.Utxo
	for _, c := range list {
		if c.SpentTxid == "" && c.MintTxid == txHash {
			utxos = append(utxos, types.Utxo{TxID: c.MintTxid, Vout: c.MintIndex, Value: c.Value})
		}
	}
	return utxos, true, nil
}

// ReturnAddress resolves the address of the first input of the given transaction.
func (d *Ducatus) ReturnAddress(txHash string) (string, bool, error) {
	var data struct {
		Inputs []struct {
			Address string `json:"address"`
		} `json:"inputs"`
	}
	if err := d.get("/tx/"+txHash+"/coins", &data); err != nil {
		return "", false, err
	}
	if len(data.Inputs) == 0 || data.Inputs[0].Address == "" {
		return "", false, nil
	}
	return data.Inputs[0].Address, true, nil
}

// FeePerTx returns the flat network fee for one transaction in minimal units: the node relay fee when available,
// the configured fee otherwise.
func (d *Ducatus) FeePerTx() (*big.Int, error) {
	var info struct {
		RelayFee decimal.Decimal `json:"relayfee"`
	}
	if err := d.call("getnetworkinfo", nil, &info); err != nil || info.RelayFee.IsZero() {
		return big.NewInt(d.fee), nil
	}
	return info.RelayFee.Shift(coinExp).BigInt(), nil
}

// SendRaw builds a raw transaction spending inputs into the output set, signs it on the node with the WIF key and
// broadcasts it. Output values are minimal units; the node takes whole-coin decimal amounts.
func (d *Ducatus) SendRaw(inputs []types.Utxo, outputs map[string]*big.Int, wif string) (string, error) {
	ins := make([]interface{}, 0, len(inputs))
	for _, in := range inputs {
		ins = append(ins, map[string]interface{}{"txid": in.TxID, "vout": in.Vout})
	}

	outs := make(map[string]json.Number, len(outputs))
	for addr, v := range outputs {
		outs[addr] = json.Number(decimal.NewFromBigInt(v, -coinExp).String())
	}

	var raw string
	if err := d.call("createrawtransaction", []interface{}{ins, outs}, &raw); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInterface, err)
	}

	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := d.call("signrawtransaction", []interface{}{raw, nil, []string{wif}}, &signed); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInterface, err)
	}
	if !signed.Complete {
		return "", fmt.Errorf("%w: signature incomplete", types.ErrInterface)
	}

	var txid string
	if err := d.call("sendrawtransaction", []interface{}{signed.Hex}, &txid); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInterface, err)
	}
	return txid, nil
}

// NodeTransfer sends amount (minimal units) from the node-held treasury wallet, unlocking it first when a wallet
// password is configured.
func (d *Ducatus) NodeTransfer(to string, amount *big.Int) (string, error) {
	if d.walletPw != "" {
		if err := d.call("walletpassphrase", []interface{}{d.walletPw, 30}, nil); err != nil {
			return "", fmt.Errorf("%w: unlock: %v", types.ErrInterface, err)
		}
	}

	var txid string
	coins := json.Number(decimal.NewFromBigInt(amount, -coinExp).String())
	if err := d.call("sendtoaddress", []interface{}{to, coins}, &txid); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInterface, err)
	}
	return txid, nil
}

// ValidateAddress asks the node whether the address is well formed for this chain.
func (d *Ducatus) ValidateAddress(address string) (bool, error) {
	var res struct {
		IsValid bool `json:"isvalid"`
	}
	if err := d.call("validateaddress", []interface{}{address}, &res); err != nil {
		return false, err
	}
	return res.IsValid, nil
}

// Receipt returns the confirmation status of the transaction from the explorer API.
func (d *Ducatus) Receipt(hash string) (types.Receipt, error) {
	var data struct {
		BlockHeight   int64 `json:"blockHeight"`
		Confirmations int64 `json:"confirmations"`
	}
	if err := d.get("/tx/"+hash, &data); err != nil {
		return types.Receipt{}, err
	}

	r := types.Receipt{Hash: hash, Confirmed: data.BlockHeight > 0 || data.Confirmations > 0}
	if data.BlockHeight > 0 {
		r.Block = uint64(data.BlockHeight)
	}
	return r, nil
}
