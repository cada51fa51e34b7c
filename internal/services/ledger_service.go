package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/cafepay/backend/internal/config"
	"github.com/cafepay/backend/internal/models"
	"github.com/go-redis/redis/v8"
)

var ErrInvalidAmount = errors.New("amount must be positive")

// Ledger is the persisted running total collected for each payment reference.
// The controller depends on this interface so the store can be swapped out in
// tests.
type Ledger interface {
	Read(ctx context.Context, reference string) (*models.LedgerEntry, error)
	Accumulate(ctx context.Context, reference string, amount int64) (*models.LedgerEntry, error)
	Clear(ctx context.Context, reference string) error
}

// LedgerService keeps one Redis hash per reference. The increment happens
// server-side (HINCRBY), so two back-to-back accumulations can never read the
// same pre-increment total and lose an update.
type LedgerService struct {
	redis  *redis.Client
	prefix string
}

func NewLedgerService(rdb *redis.Client, cfg *config.ReconcileConfig) *LedgerService {
	return &LedgerService{
		redis:  rdb,
		prefix: cfg.LedgerPrefix,
	}
}

func (s *LedgerService) key(reference string) string {
	return fmt.Sprintf("%s:%s", s.prefix, reference)
}

// Read returns the stored entry for reference, or nil when nothing has been
// received yet. Absence is not an error.
func (s *LedgerService) Read(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	fields, err := s.redis.HGetAll(ctx, s.key(reference)).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger read failed for %s: %w", reference, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	amount, err := strconv.ParseInt(fields["amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ledger entry for %s is corrupt: %w", reference, err)
	}

	entry := &models.LedgerEntry{
		Reference: reference,
		Amount:    amount,
	}
	if ts, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		entry.LastUpdatedAt = time.Unix(ts, 0)
	}
	return entry, nil
}

// Accumulate adds amount to the stored total and returns the new entry. A
// failed increment returns an error without applying anything, so the caller
// may retry safely. A failure writing the timestamp after a successful
// increment is logged but not returned; returning it would invite a retry
// that double-counts the amount.
func (s *LedgerService) Accumulate(ctx context.Context, reference string, amount int64) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	key := s.key(reference)
	now := time.Now()

	total, err := s.redis.HIncrBy(ctx, key, "amount", amount).Result()
	if err != nil {
		return nil, fmt.Errorf("ledger accumulate failed for %s: %w", reference, err)
	}

	if err := s.redis.HSet(ctx, key, "updated_at", now.Unix()).Err(); err != nil {
		log.Printf("[LEDGER] Failed to stamp update time for %s: %v", reference, err)
	}

	return &models.LedgerEntry{
		Reference:     reference,
		Amount:        total,
		LastUpdatedAt: now,
	}, nil
}

// Clear removes the entry for reference. Clearing an absent entry is a no-op.
func (s *LedgerService) Clear(ctx context.Context, reference string) error {
	if err := s.redis.Del(ctx, s.key(reference)).Err(); err != nil {
		return fmt.Errorf("ledger clear failed for %s: %w", reference, err)
	}
	return nil
}
