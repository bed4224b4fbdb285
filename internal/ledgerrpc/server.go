package ledgerrpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/batchpay/internal/ledger"
	"github.com/example/batchpay/internal/logging"
)

const ServiceName = "batchpay.ledger.v1.LedgerService"

// Ledger is the engine surface served over gRPC.
type Ledger interface {
	RecordTransfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error)
	LockBalance(ctx context.Context, req ledger.LockRequest) (*ledger.LockResult, error)
	UnlockBalance(ctx context.Context, req ledger.UnlockRequest) (*ledger.UnlockResult, error)
	Deposit(ctx context.Context, req ledger.DepositRequest) (*ledger.DepositResult, error)
	GetUserBalances(ctx context.Context, owner string) ([]ledger.BalanceInfo, error)
	GetLedgerEntries(ctx context.Context, filter ledger.EntryFilter) (*ledger.EntryPage, error)
}

// LedgerServiceServer is the handler contract registered with grpc.
type LedgerServiceServer interface {
	RecordTransfer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	LockBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	UnlockBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Deposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetUserBalances(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	GetLedgerEntries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// Server adapts a Ledger to LedgerServiceServer.
type Server struct {
	ledger Ledger
	logger *zap.Logger
}

func NewServer(l Ledger, logger *zap.Logger) *Server {
	return &Server{ledger: l, logger: logging.OrNop(logger)}
}

// Register attaches the service to r.
func Register(r grpc.ServiceRegistrar, srv LedgerServiceServer) {
	r.RegisterService(&serviceDesc, srv)
}

func (s *Server) RecordTransfer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.TransferRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.ledger.RecordTransfer(ctx, req)
	if err != nil {
		return nil, s.toStatus("RecordTransfer", err)
	}
	return encode(res)
}

func (s *Server) LockBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.LockRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.ledger.LockBalance(ctx, req)
	if err != nil {
		return nil, s.toStatus("LockBalance", err)
	}
	return encode(res)
}

func (s *Server) UnlockBalance(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.UnlockRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.ledger.UnlockBalance(ctx, req)
	if err != nil {
		return nil, s.toStatus("UnlockBalance", err)
	}
	return encode(res)
}

func (s *Server) Deposit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ledger.DepositRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	res, err := s.ledger.Deposit(ctx, req)
	if err != nil {
		return nil, s.toStatus("Deposit", err)
	}
	return encode(res)
}

type balancesRequest struct {
	Owner string `json:"owner"`
}

type balancesResponse struct {
	Balances []ledger.BalanceInfo `json:"balances"`
}

func (s *Server) GetUserBalances(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req balancesRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	balances, err := s.ledger.GetUserBalances(ctx, req.Owner)
	if err != nil {
		return nil, s.toStatus("GetUserBalances", err)
	}
	if balances == nil {
		balances = []ledger.BalanceInfo{}
	}
	return encode(balancesResponse{Balances: balances})
}

func (s *Server) GetLedgerEntries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var filter ledger.EntryFilter
	if err := decode(in, &filter); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	page, err := s.ledger.GetLedgerEntries(ctx, filter)
	if err != nil {
		return nil, s.toStatus("GetLedgerEntries", err)
	}
	if page.Entries == nil {
		page.Entries = []ledger.Entry{}
	}
	return encode(page)
}

// toStatus maps ledger errors onto gRPC codes. Aborted tells clients the
// whole call may be retried.
func (s *Server) toStatus(method string, err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidTransfer):
		code = codes.InvalidArgument
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrLockExceeded):
		code = codes.FailedPrecondition
	case errors.Is(err, ledger.ErrConcurrentModification), errors.Is(err, ledger.ErrIdempotencyConflict):
		code = codes.Aborted
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	default:
		s.logger.Error("ledger call failed", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, "internal ledger error")
	}
	return status.Error(code, err.Error())
}

func unaryHandler(method string, call func(LedgerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler("RecordTransfer", LedgerServiceServer.RecordTransfer),
		unaryHandler("LockBalance", LedgerServiceServer.LockBalance),
		unaryHandler("UnlockBalance", LedgerServiceServer.UnlockBalance),
		unaryHandler("Deposit", LedgerServiceServer.Deposit),
		unaryHandler("GetUserBalances", LedgerServiceServer.GetUserBalances),
		unaryHandler("GetLedgerEntries", LedgerServiceServer.GetLedgerEntries),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "batchpay/ledger/v1/ledger.proto",
}
