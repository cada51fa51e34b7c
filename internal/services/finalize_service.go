package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cafepay/backend/internal/audit"
	"github.com/cafepay/backend/internal/config"
	"github.com/cafepay/backend/internal/models"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"golang.org/x/sync/singleflight"
)

var ErrSubmissionInProgress = errors.New("order submission already in progress")

// OrderSubmitter submits the underlying order to the order-management
// collaborator and returns its order id. The same call serves cash checkout.
type OrderSubmitter interface {
	Submit(ctx context.Context, intent *models.PaymentIntent) (int64, error)
}

// OrderAPIClient posts the order lines to the order-management API.
type OrderAPIClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOrderAPIClient() *OrderAPIClient {
	viper.SetDefault("orders.base_url", "http://localhost:8000/api")
	viper.SetDefault("orders.timeout", 15*time.Second)

	return &OrderAPIClient{
		baseURL:    strings.TrimRight(viper.GetString("orders.base_url"), "/"),
		httpClient: &http.Client{Timeout: viper.GetDuration("orders.timeout")},
	}
}

func (c *OrderAPIClient) Submit(ctx context.Context, intent *models.PaymentIntent) (int64, error) {
	body := map[string]any{
		"reference": intent.Reference,
		"staffId":   intent.StaffID,
		"note":      intent.Note,
		"lines":     intent.Items,
	}
	if intent.VoucherID != nil {
		body["voucherId"] = *intent.VoucherID
	}

	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders/", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("order submission failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("order API returned status %d", resp.StatusCode)
	}

	var result struct {
		OrderID int64 `json:"orderId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode order response: %w", err)
	}
	return result.OrderID, nil
}

// FinalizeService converts a satisfied intent into a confirmed order exactly
// once per reference. In-process duplicate confirmations collapse onto one
// submission via singleflight; a Redis marker guards against resubmission
// across restarts.
type FinalizeService struct {
	redis    *redis.Client
	orders   OrderSubmitter
	receipts *ReceiptService
	ledger   Ledger
	audit    *audit.Logger
	cfg      *config.ReconcileConfig
	group    singleflight.Group
}

func NewFinalizeService(rdb *redis.Client, orders OrderSubmitter, receipts *ReceiptService, ledger Ledger, cfg *config.ReconcileConfig) *FinalizeService {
	return &FinalizeService{
		redis:    rdb,
		orders:   orders,
		receipts: receipts,
		ledger:   ledger,
		audit:    audit.NewLogger(),
		cfg:      cfg,
	}
}

func (fs *FinalizeService) markerKey(reference string) string {
	return fmt.Sprintf("%s:%s", fs.cfg.SubmitMarkerPrefix, reference)
}

// Finalize submits the order for a satisfied intent. Concurrent calls for the
// same reference share one submission and one result.
func (fs *FinalizeService) Finalize(ctx context.Context, intent *models.PaymentIntent, accumulated int64) (*models.Receipt, error) {
	v, err, _ := fs.group.Do(intent.Reference, func() (any, error) {
		return fs.finalizeOnce(ctx, intent, accumulated)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Receipt), nil
}

func (fs *FinalizeService) finalizeOnce(ctx context.Context, intent *models.PaymentIntent, accumulated int64) (*models.Receipt, error) {
	reference := intent.Reference
	markerKey := fs.markerKey(reference)

	// A done marker means a previous confirmation already submitted the
	// order; return the recorded outcome instead of resubmitting.
	val, err := fs.redis.Get(ctx, markerKey).Result()
	if err == nil && strings.HasPrefix(val, "done:") {
		log.Printf("[FINALIZE] Duplicate confirmation for %s, order already submitted", reference)
		return fs.previousResult(ctx, intent, accumulated, val)
	}
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("marker read failed for %s: %w", reference, err)
	}

	ok, err := fs.redis.SetNX(ctx, markerKey, "in_progress", fs.cfg.InProgressTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("marker reservation failed for %s: %w", reference, err)
	}
	if !ok {
		// Another process holds the marker; its attempt either completes or
		// the marker expires, at which point a retry can proceed.
		return nil, ErrSubmissionInProgress
	}

	orderID, err := fs.orders.Submit(ctx, intent)
	if err != nil {
		// Release the marker so the user can retry; the ledger keeps the
		// accumulated amount untouched.
		if delErr := fs.redis.Del(ctx, markerKey).Err(); delErr != nil {
			log.Printf("[FINALIZE] Failed to release marker for %s: %v", reference, delErr)
		}
		fs.audit.LogError(reference, err)
		return nil, fmt.Errorf("finalization failed for %s: %w", reference, err)
	}

	receipt := &models.Receipt{
		Reference:   reference,
		OrderID:     orderID,
		Target:      intent.TargetAmount,
		Accumulated: accumulated,
		Overpaid:    accumulated - intent.TargetAmount,
		FinalizedAt: time.Now(),
	}

	if err := fs.receipts.Save(ctx, receipt); err != nil {
		// The order is submitted; failing here must not trigger another
		// submission.
		log.Printf("[FINALIZE] Failed to archive receipt for %s: %v", reference, err)
	}

	if err := fs.redis.Set(ctx, markerKey, "done:"+strconv.FormatInt(orderID, 10), fs.cfg.DoneMarkerTTL).Err(); err != nil {
		log.Printf("[FINALIZE] Failed to promote marker for %s: %v", reference, err)
	}

	if err := fs.ledger.Clear(ctx, reference); err != nil {
		log.Printf("[FINALIZE] Failed to clear ledger for %s: %v", reference, err)
	}

	fs.audit.LogFinalize(reference, orderID, accumulated, "SUCCESS")
	log.Printf("[FINALIZE] Order %d finalized for %s", orderID, reference)
	return receipt, nil
}

func (fs *FinalizeService) previousResult(ctx context.Context, intent *models.PaymentIntent, accumulated int64, marker string) (*models.Receipt, error) {
	if receipt, err := fs.receipts.GetByReference(ctx, intent.Reference); err == nil {
		return receipt, nil
	}

	// Archive row missing (its insert may have failed); rebuild the outcome
	// from the marker.
	orderID, err := strconv.ParseInt(strings.TrimPrefix(marker, "done:"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt submission marker for %s: %q", intent.Reference, marker)
	}
	return &models.Receipt{
		Reference:   intent.Reference,
		OrderID:     orderID,
		Target:      intent.TargetAmount,
		Accumulated: accumulated,
		Overpaid:    accumulated - intent.TargetAmount,
		FinalizedAt: time.Now(),
	}, nil
}
