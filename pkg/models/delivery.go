package models

import "time"

// Delivery is the durable record of a completed delivery, keyed by the
// canonical link. At most one record exists per link; a later successful job
// for the same link overwrites it.
type Delivery struct {
	ID          int64     `db:"id"          json:"id"`
	Link        string    `db:"link"        json:"link"`
	Filename    string    `db:"filename"    json:"filename"`
	Size        int64     `db:"size_bytes"  json:"size_bytes"`
	ChatID      int64     `db:"chat_id"     json:"chat_id"`
	MessageID   int64     `db:"message_id"  json:"message_id"`
	DeliveredAt time.Time `db:"delivered_at" json:"delivered_at"`
}
