package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Reference string    `json:"reference"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Details   any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogAccumulation(reference, sourceID string, amount, total int64) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "ACCUMULATE",
		Reference: reference,
		Amount:    amount,
		Status:    "APPLIED",
		Details: map[string]any{
			"source_id": sourceID,
			"total":     total,
		},
	}
	a.log(event)
}

func (a *Logger) LogFinalize(reference string, orderID, amount int64, status string) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "FINALIZE",
		Reference: reference,
		Amount:    amount,
		Status:    status,
		Details:   map[string]any{"order_id": orderID},
	}
	a.log(event)
}

func (a *Logger) LogCancel(reference string, amount int64) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "CANCEL",
		Reference: reference,
		Amount:    amount,
		Status:    "CLEARED",
	}
	a.log(event)
}

func (a *Logger) LogError(reference string, err error) {
	event := Event{
		Timestamp: time.Now(),
		EventType: "ERROR",
		Reference: reference,
		Status:    "FAILED",
		Details:   map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
