package models

import "time"

// Media is an uploaded video known to the service.
type Media struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	OriginalName string    `json:"original_name"`
	Size         int64     `json:"size"`
	Duration     float64   `json:"duration"`
	CreatedAt    time.Time `json:"created_at"`
}
