package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Transfer is one signed-and-broadcast request handed to the relayer.
type Transfer struct {
	PrivateKeyRef  string
	To             string
	Amount         decimal.Decimal
	Token          string
	ChainID        int64
	Memo           string
	IdempotencyKey string
}

// Receipt is the relayer's answer for one transfer. Success false with a
// non-empty Error means the chain rejected or reverted the transaction.
type Receipt struct {
	Success bool
	TxHash  string
	GasUsed uint64
	Error   string
}

const executeTransferMethod = "/payout.v1.PayoutService/ExecuteTransfer"

// RelayExecutor submits transfers to the payout relayer over gRPC.
type RelayExecutor struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

// NewRelayExecutor wraps conn. timeout bounds each call, including on-chain
// confirmation on the relayer side.
func NewRelayExecutor(conn grpc.ClientConnInterface, timeout time.Duration) *RelayExecutor {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &RelayExecutor{conn: conn, timeout: timeout}
}

// Execute sends t and waits for the relayer's receipt.
func (e *RelayExecutor) Execute(ctx context.Context, t Transfer) (*Receipt, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"privateKeyRef":  t.PrivateKeyRef,
		"to":             t.To,
		"amount":         t.Amount.String(),
		"token":          t.Token,
		"chainId":        fmt.Sprintf("%d", t.ChainID),
		"memo":           t.Memo,
		"idempotencyKey": t.IdempotencyKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(callCtx, executeTransferMethod, req, resp); err != nil {
		return nil, fmt.Errorf("relayer execute: %w", err)
	}

	fields := resp.GetFields()
	receipt := &Receipt{
		Success: fields["success"].GetBoolValue(),
		TxHash:  fields["txHash"].GetStringValue(),
		GasUsed: uint64(fields["gasUsed"].GetNumberValue()),
		Error:   fields["error"].GetStringValue(),
	}
	if !receipt.Success && receipt.Error == "" {
		receipt.Error = "relayer reported failure without detail"
	}
	return receipt, nil
}

// SimulatedExecutor confirms transfers locally with deterministic hashes.
// It stands in for the relayer in development and tests.
type SimulatedExecutor struct {
	// Fail, when set, decides whether a transfer reverts.
	Fail    func(t Transfer) error
	Latency time.Duration
	GasUsed uint64

	mu     sync.Mutex
	nonces map[int64]uint64
	calls  int
}

// NewSimulatedExecutor returns an executor that confirms everything.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{GasUsed: 21000, nonces: make(map[int64]uint64)}
}

// Execute fakes a confirmation, honouring ctx during the simulated latency.
func (s *SimulatedExecutor) Execute(ctx context.Context, t Transfer) (*Receipt, error) {
	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.Fail != nil {
		if err := s.Fail(t); err != nil {
			return &Receipt{Success: false, Error: err.Error()}, nil
		}
	}

	s.mu.Lock()
	if s.nonces == nil {
		s.nonces = make(map[int64]uint64)
	}
	nonce := s.nonces[t.ChainID]
	s.nonces[t.ChainID] = nonce + 1
	s.mu.Unlock()

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(t.ChainID))
	binary.BigEndian.PutUint64(buf[8:], nonce)
	hash := crypto.Keccak256Hash(buf[:], []byte(strings.ToLower(t.To)), []byte(t.Amount.String()), []byte(t.Token))

	return &Receipt{Success: true, TxHash: hash.Hex(), GasUsed: s.GasUsed}, nil
}

// Calls reports how many transfers reached the simulated chain.
func (s *SimulatedExecutor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
