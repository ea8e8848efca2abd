package models

import "time"

// Relation ties one user to one tracking number. At most one exists per (number, user hash).
type Relation struct {
	TrackingNumber string
	UserIDHash     string
	Carrier        *int
	IsSubscribed   bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
