package model

import "time"

const TopicCreditsGranted = "credits.granted"

// CreditsGrantedEvent is published on TopicCreditsGranted after a grant commits.
type CreditsGrantedEvent struct {
	EventID    string    `json:"event_id"`
	PurchaseID string    `json:"purchase_id"`
	UserID     int64     `json:"user_id"`
	Credits    int64     `json:"credits"`
	OccurredAt time.Time `json:"occurred_at"`
}
