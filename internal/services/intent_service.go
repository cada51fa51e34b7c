package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/cafepay/backend/internal/models"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/viper"
)

// IntentService builds payment intents and renders the static payload shown
// in the checkout QR code. Construction is pure; nothing is stored here.
type IntentService struct {
	merchant string
	account  string
}

func NewIntentService() *IntentService {
	viper.SetDefault("merchant.name", "CAFEPAY MERCHANT")
	viper.SetDefault("merchant.account", "0000000000")

	return &IntentService{
		merchant: viper.GetString("merchant.name"),
		account:  viper.GetString("merchant.account"),
	}
}

// CreateIntent validates inputs and builds the immutable intent record. A
// missing reference gets a time-based unique token.
func (s *IntentService) CreateIntent(amount int64, reference, staffID string, items []models.OrderLine, voucherID *int64, note string) (*models.PaymentIntent, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if reference == "" {
		reference = newReference()
	}

	return &models.PaymentIntent{
		Reference:    reference,
		TargetAmount: amount,
		CreatedAt:    time.Now(),
		Merchant:     s.merchant,
		Account:      s.account,
		StaffID:      staffID,
		Items:        items,
		VoucherID:    voucherID,
		Note:         note,
	}, nil
}

// EncodePayload serializes the displayed payment code fields and wraps them
// in URL-safe base64. The payload carries no integrity protection; the
// notification channel is the source of truth for amounts received.
func (s *IntentService) EncodePayload(intent *models.PaymentIntent) (string, error) {
	payload := map[string]any{
		"amount":    intent.TargetAmount,
		"reference": intent.Reference,
		"timestamp": intent.CreatedAt.Format(time.RFC3339),
		"merchant":  intent.Merchant,
		"account":   intent.Account,
		"items":     intent.ItemSummary(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(jsonData), nil
}

// RenderQR renders the encoded payload as a base64 PNG for the screen.
func (s *IntentService) RenderQR(payload string) (string, error) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func newReference() string {
	return fmt.Sprintf("INV-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}
