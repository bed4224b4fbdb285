package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// GasQuote is the estimated cost of one transfer.
type GasQuote struct {
	ChainID  int64           `json:"chain_id"`
	GasUnits uint64          `json:"gas_units"`
	CostUSD  decimal.Decimal `json:"cost_usd"`
}

// GasPrice describes current pricing on a chain.
type GasPrice struct {
	ChainID   int64           `json:"chain_id"`
	ChainName string          `json:"chain_name"`
	Gwei      decimal.Decimal `json:"gwei"`
}

// GasProfile prices transfers on one chain. FlatUSD, when non-zero, replaces
// the units × price × native-price computation (used for TRON energy).
type GasProfile struct {
	NativeTransferGas uint64
	TokenTransferGas  uint64
	GasPriceGwei      decimal.Decimal
	NativeUSD         decimal.Decimal
	FlatUSD           decimal.Decimal
}

// StaticGasEstimator prices transfers from a fixed table.
type StaticGasEstimator struct {
	registry *Registry
	profiles map[int64]GasProfile
}

var gwei = decimal.New(1, -9)

// NewStaticGasEstimator builds an estimator over registry using profiles.
func NewStaticGasEstimator(registry *Registry, profiles map[int64]GasProfile) *StaticGasEstimator {
	return &StaticGasEstimator{registry: registry, profiles: profiles}
}

// DefaultGasProfiles is a conservative pricing table for DefaultChains.
func DefaultGasProfiles() map[int64]GasProfile {
	p := func(gasPrice, nativeUSD string) GasProfile {
		return GasProfile{
			NativeTransferGas: 21000,
			TokenTransferGas:  65000,
			GasPriceGwei:      decimal.RequireFromString(gasPrice),
			NativeUSD:         decimal.RequireFromString(nativeUSD),
		}
	}
	return map[int64]GasProfile{
		1:          p("20", "3000"),
		10:         p("0.01", "3000"),
		56:         p("3", "550"),
		137:        p("50", "0.8"),
		8453:       p("0.01", "3000"),
		42161:      p("0.1", "3000"),
		728126428:  {FlatUSD: decimal.RequireFromString("1.10")},
		3448148188: {FlatUSD: decimal.Zero},
	}
}

// EstimateTransferGas prices one transfer of token on chainID.
func (e *StaticGasEstimator) EstimateTransferGas(_ context.Context, chainID int64, token, _ string, _ decimal.Decimal) (*GasQuote, error) {
	c, err := e.registry.Get(chainID)
	if err != nil {
		return nil, err
	}
	profile, ok := e.profiles[chainID]
	if !ok {
		return nil, fmt.Errorf("no gas profile for chain %d", chainID)
	}
	if !profile.FlatUSD.IsZero() || profile.GasPriceGwei.IsZero() {
		return &GasQuote{ChainID: chainID, CostUSD: profile.FlatUSD}, nil
	}

	units := profile.TokenTransferGas
	if strings.EqualFold(c.NativeToken, token) {
		units = profile.NativeTransferGas
	}
	cost := decimal.NewFromInt(int64(units)).
		Mul(profile.GasPriceGwei).
		Mul(gwei).
		Mul(profile.NativeUSD).
		Round(6)
	return &GasQuote{ChainID: chainID, GasUnits: units, CostUSD: cost}, nil
}

// GetGasPrice returns the chain's name and configured gas price.
func (e *StaticGasEstimator) GetGasPrice(_ context.Context, chainID int64) (*GasPrice, error) {
	c, err := e.registry.Get(chainID)
	if err != nil {
		return nil, err
	}
	return &GasPrice{ChainID: chainID, ChainName: c.Name, Gwei: e.profiles[chainID].GasPriceGwei}, nil
}
