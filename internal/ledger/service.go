package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/batchpay/internal/logging"
	"github.com/example/batchpay/internal/metrics"
)

// Service is the only writer of balances and ledger entries.
type Service struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Collectors
	now     func() time.Time
	newID   func() string
}

// NewService creates a ledger service over store. m may be nil.
func NewService(store Store, logger *zap.Logger, m *metrics.Collectors) *Service {
	return &Service{
		store:   store,
		logger:  logging.OrNop(logger).Named("ledger"),
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.New().String() },
	}
}

// TransferRequest moves value between two accounts on the same token and chain.
type TransferRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	From           string          `json:"from"`
	To             string          `json:"to"`
	Amount         decimal.Decimal `json:"amount"`
	Token          string          `json:"token"`
	ChainID        int64           `json:"chain_id"`
	Category       Category        `json:"category"`
	Reference
	Description string `json:"description"`
}

// TransferResult carries the post-transfer available balances.
type TransferResult struct {
	TransactionID   string          `json:"transaction_id"`
	SenderBalance   decimal.Decimal `json:"sender_balance"`
	ReceiverBalance decimal.Decimal `json:"receiver_balance"`
	Duplicate       bool            `json:"duplicate"`
}

// RecordTransfer books a double-entry transfer. Replaying a completed
// idempotency key returns the original result with Duplicate set and writes
// nothing. A lost optimistic race returns ErrConcurrentModification.
func (s *Service) RecordTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	if err := validateTransfer(&req); err != nil {
		s.observe("transfer", err)
		return nil, err
	}
	fromKey := NewAccountKey(req.From, req.Token, req.ChainID)
	toKey := NewAccountKey(req.To, req.Token, req.ChainID)

	var result *TransferResult
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		rec, found, err := tx.GetIdempotency(ctx, req.IdempotencyKey)
		if err != nil {
			return fmt.Errorf("read idempotency key: %w", err)
		}
		if found {
			if rec.Status != IdempotencyCompleted {
				return ErrIdempotencyConflict
			}
			result = &TransferResult{
				TransactionID:   rec.TransactionID,
				SenderBalance:   rec.SenderBalance,
				ReceiverBalance: rec.ReceiverBalance,
				Duplicate:       true,
			}
			return nil
		}

		sender, found, err := tx.GetBalance(ctx, fromKey)
		if err != nil {
			return fmt.Errorf("read sender balance: %w", err)
		}
		if !found {
			return &BalanceError{Err: ErrInsufficientBalance, Account: fromKey, Requested: req.Amount, Available: decimal.Zero}
		}
		if sender.Available.LessThan(req.Amount) {
			return &BalanceError{Err: ErrInsufficientBalance, Account: fromKey, Requested: req.Amount, Available: sender.Available}
		}

		receiver, err := s.loadOrCreate(ctx, tx, toKey)
		if err != nil {
			return err
		}

		senderVersion, receiverVersion := sender.Version, receiver.Version
		senderBefore, receiverBefore := sender.Available, receiver.Available

		sender.Available = sender.Available.Sub(req.Amount)
		sender.Total = sender.Total.Sub(req.Amount)
		receiver.Available = receiver.Available.Add(req.Amount)
		receiver.Total = receiver.Total.Add(req.Amount)

		if err := tx.UpdateBalance(ctx, sender, senderVersion); err != nil {
			return err
		}
		if err := tx.UpdateBalance(ctx, receiver, receiverVersion); err != nil {
			return err
		}

		txID := s.newID()
		now := s.now()
		debit := s.entry(txID, fromKey, EntryDebit, req.Category, BucketAvailable, req.Amount, senderBefore, sender.Available, req.Reference, now)
		debit.IdempotencyKey = req.IdempotencyKey
		debit.Counterparty = toKey.Owner
		debit.Description = req.Description
		credit := s.entry(txID, toKey, EntryCredit, req.Category, BucketAvailable, req.Amount, receiverBefore, receiver.Available, req.Reference, now)
		credit.IdempotencyKey = req.IdempotencyKey
		credit.Counterparty = fromKey.Owner
		credit.Description = req.Description
		if err := tx.InsertEntries(ctx, debit, credit); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}

		if err := tx.PutIdempotency(ctx, &IdempotencyRecord{
			Key:             req.IdempotencyKey,
			Status:          IdempotencyCompleted,
			TransactionID:   txID,
			SenderBalance:   sender.Available,
			ReceiverBalance: receiver.Available,
			CreatedAt:       now,
		}); err != nil {
			return err
		}

		result = &TransferResult{
			TransactionID:   txID,
			SenderBalance:   sender.Available,
			ReceiverBalance: receiver.Available,
		}
		return nil
	})
	if err != nil {
		s.observe("transfer", err)
		return nil, err
	}

	if result.Duplicate {
		s.metrics.RecordLedgerOperation("transfer", "duplicate")
		s.logger.Debug("transfer replayed", zap.String("idempotency_key", req.IdempotencyKey))
		return result, nil
	}
	s.observe("transfer", nil)
	s.logger.Debug("transfer recorded",
		zap.String("transaction_id", result.TransactionID),
		zap.String("from", fromKey.Owner),
		zap.String("to", toKey.Owner),
		zap.String("amount", req.Amount.String()),
		zap.String("token", fromKey.Token),
		zap.Int64("chain_id", req.ChainID))
	return result, nil
}

func validateTransfer(req *TransferRequest) error {
	if !req.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidTransfer)
	}
	if strings.TrimSpace(req.From) == "" || strings.TrimSpace(req.To) == "" {
		return fmt.Errorf("%w: from and to are required", ErrInvalidTransfer)
	}
	if strings.TrimSpace(req.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidTransfer)
	}
	if strings.EqualFold(strings.TrimSpace(req.From), strings.TrimSpace(req.To)) {
		return fmt.Errorf("%w: sender and receiver must differ", ErrInvalidTransfer)
	}
	if req.Category == "" {
		req.Category = CategoryPayment
	}
	if !transferCategories[req.Category] {
		return fmt.Errorf("%w: category %q cannot be used for transfers", ErrInvalidTransfer, req.Category)
	}
	return nil
}

// LockRequest reserves available funds for an in-flight operation.
type LockRequest struct {
	Owner   string          `json:"owner"`
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	ChainID int64           `json:"chain_id"`
	Reference
}

// LockResult is the balance after a lock.
type LockResult struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// LockBalance moves amount from available to locked.
func (s *Service) LockBalance(ctx context.Context, req LockRequest) (*LockResult, error) {
	if !req.Amount.IsPositive() {
		s.observe("lock", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	key := NewAccountKey(req.Owner, req.Token, req.ChainID)

	var result *LockResult
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		b, found, err := tx.GetBalance(ctx, key)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if !found || b.Available.LessThan(req.Amount) {
			available := decimal.Zero
			if found {
				available = b.Available
			}
			return &BalanceError{Err: ErrInsufficientBalance, Account: key, Requested: req.Amount, Available: available}
		}

		version, before := b.Version, b.Available
		b.Available = b.Available.Sub(req.Amount)
		b.Locked = b.Locked.Add(req.Amount)
		if err := tx.UpdateBalance(ctx, b, version); err != nil {
			return err
		}

		e := s.entry(s.newID(), key, EntryDebit, CategoryLock, BucketAvailable, req.Amount, before, b.Available, req.Reference, s.now())
		if err := tx.InsertEntries(ctx, e); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
		result = &LockResult{Available: b.Available, Locked: b.Locked}
		return nil
	})
	s.observe("lock", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UnlockRequest resolves a previous lock.
type UnlockRequest struct {
	Owner   string          `json:"owner"`
	Amount  decimal.Decimal `json:"amount"`
	Token   string          `json:"token"`
	ChainID int64           `json:"chain_id"`
	Success bool            `json:"success"`
	Reference
}

// UnlockResult is the balance after an unlock.
type UnlockResult struct {
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	Total     decimal.Decimal `json:"total"`
}

// UnlockBalance releases locked funds. With Success the funds left the
// ledger (spent on chain) and total shrinks; otherwise they return to available.
func (s *Service) UnlockBalance(ctx context.Context, req UnlockRequest) (*UnlockResult, error) {
	if !req.Amount.IsPositive() {
		s.observe("unlock", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	key := NewAccountKey(req.Owner, req.Token, req.ChainID)

	var result *UnlockResult
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		b, found, err := tx.GetBalance(ctx, key)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if !found || b.Locked.LessThan(req.Amount) {
			locked := decimal.Zero
			if found {
				locked = b.Locked
			}
			return &BalanceError{Err: ErrLockExceeded, Account: key, Requested: req.Amount, Available: locked}
		}

		version := b.Version
		var e Entry
		if req.Success {
			before := b.Locked
			b.Locked = b.Locked.Sub(req.Amount)
			b.Total = b.Total.Sub(req.Amount)
			e = s.entry(s.newID(), key, EntryDebit, CategoryUnlock, BucketLocked, req.Amount, before, b.Locked, req.Reference, s.now())
		} else {
			before := b.Available
			b.Locked = b.Locked.Sub(req.Amount)
			b.Available = b.Available.Add(req.Amount)
			e = s.entry(s.newID(), key, EntryCredit, CategoryUnlock, BucketAvailable, req.Amount, before, b.Available, req.Reference, s.now())
		}
		if err := tx.UpdateBalance(ctx, b, version); err != nil {
			return err
		}
		if err := tx.InsertEntries(ctx, e); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
		result = &UnlockResult{Available: b.Available, Locked: b.Locked, Total: b.Total}
		return nil
	})
	s.observe("unlock", err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DepositRequest credits funds that arrived on chain.
type DepositRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Owner          string          `json:"owner"`
	Amount         decimal.Decimal `json:"amount"`
	Token          string          `json:"token"`
	ChainID        int64           `json:"chain_id"`
	Reference
	Description string `json:"description"`
}

// DepositResult is the credited balance.
type DepositResult struct {
	TransactionID string          `json:"transaction_id"`
	Available     decimal.Decimal `json:"available"`
	Duplicate     bool            `json:"duplicate"`
}

// depositKeyPrefix keeps deposit keys apart from transfer keys.
const depositKeyPrefix = "deposit:"

// Deposit books an external inflow. The idempotency key defaults to the
// chain tx hash so a re-delivered deposit notification is a no-op.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*DepositResult, error) {
	if !req.Amount.IsPositive() {
		s.observe("deposit", ErrInvalidAmount)
		return nil, ErrInvalidAmount
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = req.TxHash
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" || strings.TrimSpace(req.Owner) == "" || strings.TrimSpace(req.Token) == "" {
		err := fmt.Errorf("%w: owner, token and idempotency key or tx hash are required", ErrInvalidTransfer)
		s.observe("deposit", err)
		return nil, err
	}
	key := NewAccountKey(req.Owner, req.Token, req.ChainID)
	recordKey := depositKeyPrefix + req.IdempotencyKey

	var result *DepositResult
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		rec, found, err := tx.GetIdempotency(ctx, recordKey)
		if err != nil {
			return fmt.Errorf("read idempotency key: %w", err)
		}
		if found {
			if rec.Status != IdempotencyCompleted {
				return ErrIdempotencyConflict
			}
			result = &DepositResult{TransactionID: rec.TransactionID, Available: rec.ReceiverBalance, Duplicate: true}
			return nil
		}

		b, err := s.loadOrCreate(ctx, tx, key)
		if err != nil {
			return err
		}
		version, before := b.Version, b.Available
		b.Available = b.Available.Add(req.Amount)
		b.Total = b.Total.Add(req.Amount)
		if err := tx.UpdateBalance(ctx, b, version); err != nil {
			return err
		}

		txID := s.newID()
		now := s.now()
		e := s.entry(txID, key, EntryCredit, CategoryDeposit, BucketAvailable, req.Amount, before, b.Available, req.Reference, now)
		e.IdempotencyKey = req.IdempotencyKey
		e.Description = req.Description
		if err := tx.InsertEntries(ctx, e); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
		if err := tx.PutIdempotency(ctx, &IdempotencyRecord{
			Key:             recordKey,
			Status:          IdempotencyCompleted,
			TransactionID:   txID,
			SenderBalance:   decimal.Zero,
			ReceiverBalance: b.Available,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		result = &DepositResult{TransactionID: txID, Available: b.Available}
		return nil
	})
	if err != nil {
		s.observe("deposit", err)
		return nil, err
	}
	if result.Duplicate {
		s.metrics.RecordLedgerOperation("deposit", "duplicate")
		return result, nil
	}
	s.observe("deposit", nil)
	return result, nil
}

// GetUserBalances lists every balance held by owner.
func (s *Service) GetUserBalances(ctx context.Context, owner string) ([]BalanceInfo, error) {
	if strings.TrimSpace(owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidTransfer)
	}
	balances, err := s.store.ListBalances(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list balances: %w", err)
	}
	out := make([]BalanceInfo, 0, len(balances))
	for i := range balances {
		out = append(out, balances[i].info())
	}
	return out, nil
}

// GetLedgerEntries returns one page of entries matching filter, newest first.
func (s *Service) GetLedgerEntries(ctx context.Context, filter EntryFilter) (*EntryPage, error) {
	filter = filter.normalized()
	entries, total, err := s.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return &EntryPage{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (s *Service) loadOrCreate(ctx context.Context, tx Tx, key AccountKey) (*Balance, error) {
	b, found, err := tx.GetBalance(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if found {
		return b, nil
	}
	b = newBalance(key, s.now())
	if err := tx.CreateBalance(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) entry(txID string, key AccountKey, typ EntryType, cat Category, bucket Bucket, amount, before, after decimal.Decimal, ref Reference, now time.Time) Entry {
	return Entry{
		ID:            s.newID(),
		TransactionID: txID,
		Account:       key,
		EntryType:     typ,
		Category:      cat,
		Bucket:        bucket,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		TxHash:        ref.TxHash,
		CreatedAt:     now,
	}
}

func (s *Service) observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConcurrentModification):
		result = "conflict"
		s.logger.Warn("optimistic write lost race", zap.String("operation", op))
	case errors.Is(err, ErrInsufficientBalance):
		result = "insufficient_balance"
	case errors.Is(err, ErrLockExceeded):
		result = "lock_exceeded"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidTransfer):
		result = "invalid"
	case errors.Is(err, ErrIdempotencyConflict):
		result = "idempotency_conflict"
	default:
		result = "error"
		s.logger.Error("ledger operation failed", zap.String("operation", op), zap.Error(err))
	}
	s.metrics.RecordLedgerOperation(op, result)
}
