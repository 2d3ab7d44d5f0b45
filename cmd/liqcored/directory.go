package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"liqcore/liquidation"
	"liqcore/risk"
	"liqcore/valuation"
)

// ErrReadOnlyBinding is returned for ledger mutations: the service holds no
// signing key, so seizure and debt reduction stay on-chain operations.
var ErrReadOnlyBinding = errors.New("liqcored: ledger binding is read-only")

const collateralLedgerABI = `[
  {"name":"getCollateral","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"asset","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"name":"getUserCollateralAssets","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"address[]"}]},
  {"name":"getUserTotalCollateralValue","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

const priceOracleABI = `[
  {"name":"getPrice","type":"function","stateMutability":"view","inputs":[{"name":"asset","type":"address"}],"outputs":[{"name":"price","type":"uint256"},{"name":"updatedAt","type":"uint256"}]}
]`

const debtLedgerABI = `[
  {"name":"getUserTotalDebtValue","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"name":"getReducibleDebtAmount","type":"function","stateMutability":"view","inputs":[{"name":"user","type":"address"},{"name":"asset","type":"address"}],"outputs":[{"type":"uint256"}]}
]`

// chainDirectory resolves ledger addresses to read-only contract bindings
// over a JSON-RPC client. It serves both the liquidation engine's ledger
// interfaces and the risk assessor's source interfaces.
type chainDirectory struct {
	client        *ethclient.Client
	collateralABI abi.ABI
	debtABI       abi.ABI
	oracleABI     abi.ABI
	callTimeout   time.Duration
}

func newChainDirectory(rpcURL string) (*chainDirectory, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("liqcored: dial chain rpc: %w", err)
	}
	collateral, err := abi.JSON(strings.NewReader(collateralLedgerABI))
	if err != nil {
		return nil, fmt.Errorf("liqcored: parse collateral abi: %w", err)
	}
	debt, err := abi.JSON(strings.NewReader(debtLedgerABI))
	if err != nil {
		return nil, fmt.Errorf("liqcored: parse debt abi: %w", err)
	}
	oracle, err := abi.JSON(strings.NewReader(priceOracleABI))
	if err != nil {
		return nil, fmt.Errorf("liqcored: parse oracle abi: %w", err)
	}
	return &chainDirectory{
		client:        client,
		collateralABI: collateral,
		debtABI:       debt,
		oracleABI:     oracle,
		callTimeout:   5 * time.Second,
	}, nil
}

func (d *chainDirectory) Close() {
	if d != nil && d.client != nil {
		d.client.Close()
	}
}

func (d *chainDirectory) CollateralLedger(addr common.Address) (liquidation.CollateralLedger, error) {
	return &collateralBinding{dir: d, addr: addr}, nil
}

func (d *chainDirectory) DebtLedger(addr common.Address) (liquidation.DebtLedger, error) {
	return &debtBinding{dir: d, addr: addr}, nil
}

func (d *chainDirectory) CollateralSource(addr common.Address) (risk.CollateralSource, error) {
	return &collateralBinding{dir: d, addr: addr}, nil
}

func (d *chainDirectory) DebtSource(addr common.Address) (risk.DebtSource, error) {
	return &debtBinding{dir: d, addr: addr}, nil
}

// PriceSource returns a valuation price source bound to the oracle contract.
func (d *chainDirectory) PriceSource(addr common.Address) valuation.PriceSource {
	return &oracleBinding{dir: d, addr: addr}
}

func (d *chainDirectory) call(contract common.Address, parsed abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	input, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("liqcored: pack %s: %w", method, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.callTimeout)
	defer cancel()
	raw, err := d.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, fmt.Errorf("liqcored: call %s: %w", method, err)
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("liqcored: unpack %s: %w", method, err)
	}
	return out, nil
}

type collateralBinding struct {
	dir  *chainDirectory
	addr common.Address
}

func (b *collateralBinding) WithdrawCollateral(common.Address, common.Address, *big.Int) error {
	return ErrReadOnlyBinding
}

func (b *collateralBinding) GetCollateral(user, asset common.Address) (*big.Int, error) {
	out, err := b.dir.call(b.addr, b.dir.collateralABI, "getCollateral", user, asset)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (b *collateralBinding) GetUserCollateralAssets(user common.Address) ([]common.Address, error) {
	out, err := b.dir.call(b.addr, b.dir.collateralABI, "getUserCollateralAssets", user)
	if err != nil {
		return nil, err
	}
	assets := abi.ConvertType(out[0], new([]common.Address)).(*[]common.Address)
	return *assets, nil
}

func (b *collateralBinding) GetUserTotalCollateralValue(user common.Address) (*big.Int, error) {
	out, err := b.dir.call(b.addr, b.dir.collateralABI, "getUserTotalCollateralValue", user)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

type oracleBinding struct {
	dir  *chainDirectory
	addr common.Address
}

func (b *oracleBinding) GetPrice(asset common.Address) (valuation.Quote, error) {
	out, err := b.dir.call(b.addr, b.dir.oracleABI, "getPrice", asset)
	if err != nil {
		return valuation.Quote{}, err
	}
	price := abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	updatedAt := abi.ConvertType(out[1], new(big.Int)).(*big.Int)
	return valuation.Quote{
		Price:     price,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0),
		Source:    b.addr.Hex(),
	}, nil
}

type debtBinding struct {
	dir  *chainDirectory
	addr common.Address
}

func (b *debtBinding) ForceReduceDebt(common.Address, common.Address, *big.Int) (*big.Int, error) {
	return nil, ErrReadOnlyBinding
}

func (b *debtBinding) GetUserTotalDebtValue(user common.Address) (*big.Int, error) {
	out, err := b.dir.call(b.addr, b.dir.debtABI, "getUserTotalDebtValue", user)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

func (b *debtBinding) GetReducibleDebtAmount(user, asset common.Address) (*big.Int, error) {
	out, err := b.dir.call(b.addr, b.dir.debtABI, "getReducibleDebtAmount", user, asset)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}
