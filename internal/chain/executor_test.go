package chain

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestSimulatedExecutor(t *testing.T) {
	ctx := context.Background()
	exec := NewSimulatedExecutor()
	exec.Fail = func(tr Transfer) error {
		if tr.Memo == "revert" {
			return errors.New("execution reverted")
		}
		return nil
	}
	tr := Transfer{To: "0xabc", Amount: decimal.NewFromInt(5), Token: "USDC", ChainID: 8453}

	first, err := exec.Execute(ctx, tr)
	require.NoError(t, err)
	second, err := exec.Execute(ctx, tr)
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Len(t, first.TxHash, 66)
	assert.NotEqual(t, first.TxHash, second.TxHash, "nonce advances per chain")

	tr.Memo = "revert"
	failed, err := exec.Execute(ctx, tr)
	require.NoError(t, err)
	assert.False(t, failed.Success)
	assert.Equal(t, "execution reverted", failed.Error)
	assert.Equal(t, 3, exec.Calls())
}

func TestSimulatedExecutorHonoursContext(t *testing.T) {
	exec := NewSimulatedExecutor()
	exec.Latency = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, Transfer{ChainID: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

type payoutServer interface{}

type fakeRelayer struct {
	got *structpb.Struct
}

func startRelayer(t *testing.T, relayer *fakeRelayer) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "payout.v1.PayoutService",
		HandlerType: (*payoutServer)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "ExecuteTransfer",
			Handler: func(_ any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := &structpb.Struct{}
				if err := dec(in); err != nil {
					return nil, err
				}
				relayer.got = in
				if in.GetFields()["to"].GetStringValue() == "0xdead" {
					return structpb.NewStruct(map[string]any{"success": false, "error": "nonce too low"})
				}
				return structpb.NewStruct(map[string]any{"success": true, "txHash": "0xfeed", "gasUsed": 52000})
			},
		}},
	}, relayer)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRelayExecutor(t *testing.T) {
	relayer := &fakeRelayer{}
	exec := NewRelayExecutor(startRelayer(t, relayer), time.Second)
	ctx := context.Background()

	receipt, err := exec.Execute(ctx, Transfer{
		PrivateKeyRef:  "vault://payouts/hot",
		To:             "0xbeef",
		Amount:         decimal.RequireFromString("12.5"),
		Token:          "USDC",
		ChainID:        8453,
		IdempotencyKey: "batch-1:0",
	})
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, "0xfeed", receipt.TxHash)
	assert.Equal(t, uint64(52000), receipt.GasUsed)

	fields := relayer.got.GetFields()
	assert.Equal(t, "12.5", fields["amount"].GetStringValue())
	assert.Equal(t, "8453", fields["chainId"].GetStringValue())
	assert.Equal(t, "vault://payouts/hot", fields["privateKeyRef"].GetStringValue())

	receipt, err = exec.Execute(ctx, Transfer{To: "0xdead", Amount: decimal.NewFromInt(1), ChainID: 1})
	require.NoError(t, err)
	assert.False(t, receipt.Success)
	assert.Equal(t, "nonce too low", receipt.Error)
}
