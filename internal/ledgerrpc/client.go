package ledgerrpc

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/batchpay/internal/ledger"
)

// Client calls a remote ledger. Status codes are mapped back to ledger
// sentinels so errors.Is and ledger.RetryOnConflict work across the wire.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, out any) error {
	in, err := encode(req)
	if err != nil {
		return err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, resp); err != nil {
		return fromStatus(err)
	}
	return decode(resp, out)
}

func (c *Client) RecordTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error) {
	var out ledger.TransferResult
	if err := c.invoke(ctx, "RecordTransfer", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) LockBalance(ctx context.Context, req ledger.LockRequest) (*ledger.LockResult, error) {
	var out ledger.LockResult
	if err := c.invoke(ctx, "LockBalance", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UnlockBalance(ctx context.Context, req ledger.UnlockRequest) (*ledger.UnlockResult, error) {
	var out ledger.UnlockResult
	if err := c.invoke(ctx, "UnlockBalance", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Deposit(ctx context.Context, req ledger.DepositRequest) (*ledger.DepositResult, error) {
	var out ledger.DepositResult
	if err := c.invoke(ctx, "Deposit", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetUserBalances(ctx context.Context, owner string) ([]ledger.BalanceInfo, error) {
	var out balancesResponse
	if err := c.invoke(ctx, "GetUserBalances", balancesRequest{Owner: owner}, &out); err != nil {
		return nil, err
	}
	return out.Balances, nil
}

func (c *Client) GetLedgerEntries(ctx context.Context, filter ledger.EntryFilter) (*ledger.EntryPage, error) {
	var out ledger.EntryPage
	if err := c.invoke(ctx, "GetLedgerEntries", filter, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoteError is a ledger failure reported by the server.
type RemoteError struct {
	Code    codes.Code
	Message string
	err     error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ledger %s: %s", strings.ToLower(e.Code.String()), e.Message)
}

func (e *RemoteError) Unwrap() error { return e.err }

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = ledger.ErrInvalidTransfer
		if strings.HasPrefix(msg, ledger.ErrInvalidAmount.Error()) {
			sentinel = ledger.ErrInvalidAmount
		}
	case codes.FailedPrecondition:
		sentinel = ledger.ErrInsufficientBalance
		if strings.HasPrefix(msg, ledger.ErrLockExceeded.Error()) {
			sentinel = ledger.ErrLockExceeded
		}
	case codes.Aborted:
		sentinel = ledger.ErrConcurrentModification
		if strings.HasPrefix(msg, ledger.ErrIdempotencyConflict.Error()) {
			sentinel = ledger.ErrIdempotencyConflict
		}
	case codes.Canceled:
		sentinel = context.Canceled
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	default:
		sentinel = err
	}
	return &RemoteError{Code: st.Code(), Message: msg, err: sentinel}
}
