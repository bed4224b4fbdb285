package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var errNoGasEstimator = errors.New("batch: no gas estimator configured")

// EstimateBatchGas prices a batch without executing it. Each chain is priced
// from its first item; a chain the estimator cannot price contributes zero and
// carries the error instead of failing the whole estimate.
func (o *Orchestrator) EstimateBatchGas(ctx context.Context, items []Item) (*GasEstimate, error) {
	if o.gas == nil {
		return nil, errNoGasEstimator
	}
	if len(items) == 0 {
		return nil, &ValidationError{Message: "batch must contain at least one item"}
	}

	indices := make([]int, len(items))
	for i := range items {
		indices[i] = i
	}
	est := &GasEstimate{TotalGasCostUSD: decimal.Zero}
	for _, g := range partition(items, indices) {
		sample := items[g.indices[0]]
		ce := ChainGasEstimate{
			ChainID:        g.chainID,
			ChainName:      fmt.Sprintf("chain %d", g.chainID),
			ItemCount:      len(g.indices),
			PerItemCostUSD: decimal.Zero,
			TotalCostUSD:   decimal.Zero,
		}
		if c, err := o.registry.Get(g.chainID); err == nil {
			ce.ChainName = c.Name
		}
		if price, err := o.gas.GetGasPrice(ctx, g.chainID); err == nil && price.ChainName != "" {
			ce.ChainName = price.ChainName
		}

		quote, err := o.gas.EstimateTransferGas(ctx, g.chainID, sample.Token, sample.To, sample.Amount)
		if err != nil {
			o.logger.Warn("gas estimate degraded", zap.Int64("chain_id", g.chainID), zap.Error(err))
			ce.Error = err.Error()
			est.PerChain = append(est.PerChain, ce)
			continue
		}
		ce.PerItemCostUSD = quote.CostUSD
		ce.TotalCostUSD = quote.CostUSD.Mul(decimal.NewFromInt(int64(len(g.indices))))
		est.TotalGasCostUSD = est.TotalGasCostUSD.Add(ce.TotalCostUSD)
		est.PerChain = append(est.PerChain, ce)
	}
	return est, nil
}
