package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cafepay/backend/internal/services"
)

type ReceiptHandler struct {
	receipts *services.ReceiptService
}

func NewReceiptHandler(receipts *services.ReceiptService) *ReceiptHandler {
	return &ReceiptHandler{receipts: receipts}
}

// ListRecent returns recent finalized receipts
// @Summary List recent receipts
// @Tags receipts
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of receipts to return (default: 10, max: 100)"
// @Success 200 {object} object{receipts=[]models.Receipt,count=int}
// @Failure 500 {object} services.ErrorResponse
// @Router /receipts/recent [get]
func (h *ReceiptHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			limit = l
		}
	}

	receipts, err := h.receipts.ListRecent(r.Context(), limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch receipts", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"receipts": receipts,
		"count":    len(receipts),
	})
}
