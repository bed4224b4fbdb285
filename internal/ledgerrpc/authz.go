package ledgerrpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/security"
)

// Permissions carried in the Organization field of caller certificates.
const (
	PermissionRead  = "ledger:read"
	PermissionWrite = "ledger:write"
)

var methodPermissions = map[string]string{
	"/" + ServiceName + "/RecordTransfer":   PermissionWrite,
	"/" + ServiceName + "/LockBalance":      PermissionWrite,
	"/" + ServiceName + "/UnlockBalance":    PermissionWrite,
	"/" + ServiceName + "/Deposit":          PermissionWrite,
	"/" + ServiceName + "/GetUserBalances":  PermissionRead,
	"/" + ServiceName + "/GetLedgerEntries": PermissionRead,
}

// AuthorizePeers checks the verified mTLS client certificate of every call
// against the permission its method needs. Methods outside the ledger
// service (reflection, health) pass through.
func AuthorizePeers(logger *zap.Logger) grpc.UnaryServerInterceptor {
	logger = logging.OrNop(logger)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		required, ok := methodPermissions[info.FullMethod]
		if !ok {
			return handler(ctx, req)
		}

		p, ok := peer.FromContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "no peer")
		}
		tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
		if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
			return nil, status.Error(codes.Unauthenticated, "client certificate required")
		}

		service, perms, err := security.ServiceIdentity(tlsInfo.State.VerifiedChains[0][0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		if !security.HasPermission(perms, required) {
			logger.Warn("ledger call denied",
				zap.String("service", service),
				zap.String("method", info.FullMethod),
				zap.String("required", required))
			return nil, status.Errorf(codes.PermissionDenied, "%s lacks %s", service, required)
		}
		return handler(ctx, req)
	}
}
