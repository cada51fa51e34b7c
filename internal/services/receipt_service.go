package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cafepay/backend/internal/models"
)

// ReceiptService archives the outcome of finalized payments. One row per
// reference; the running ledger entry is gone by the time a receipt exists.
type ReceiptService struct {
	db *sql.DB
}

func NewReceiptService(db *sql.DB) *ReceiptService {
	return &ReceiptService{db: db}
}

func (s *ReceiptService) Save(ctx context.Context, receipt *models.Receipt) error {
	if receipt.FinalizedAt.IsZero() {
		receipt.FinalizedAt = time.Now()
	}

	err := s.db.QueryRowContext(ctx, `
        INSERT INTO payment_receipts
        (reference, order_id, target_amount, accumulated_amount, overpaid_amount, finalized_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `, receipt.Reference, receipt.OrderID, receipt.Target, receipt.Accumulated,
		receipt.Overpaid, receipt.FinalizedAt).Scan(&receipt.ID)

	if err != nil {
		return fmt.Errorf("failed to store receipt for %s: %w", receipt.Reference, err)
	}
	return nil
}

func (s *ReceiptService) GetByReference(ctx context.Context, reference string) (*models.Receipt, error) {
	receipt := &models.Receipt{}
	err := s.db.QueryRowContext(ctx, `
        SELECT id, reference, order_id, target_amount, accumulated_amount, overpaid_amount, finalized_at
        FROM payment_receipts
        WHERE reference = $1
    `, reference).Scan(
		&receipt.ID, &receipt.Reference, &receipt.OrderID, &receipt.Target,
		&receipt.Accumulated, &receipt.Overpaid, &receipt.FinalizedAt,
	)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (s *ReceiptService) ListRecent(ctx context.Context, limit int) ([]models.Receipt, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
        SELECT id, reference, order_id, target_amount, accumulated_amount, overpaid_amount, finalized_at
        FROM payment_receipts
        ORDER BY finalized_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := []models.Receipt{}
	for rows.Next() {
		var r models.Receipt
		if err := rows.Scan(&r.ID, &r.Reference, &r.OrderID, &r.Target,
			&r.Accumulated, &r.Overpaid, &r.FinalizedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
