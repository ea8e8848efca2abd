package models

import "time"

// PollTarget is a tracking number due for a provider fetch.
type PollTarget struct {
	TrackingNumber string
	Carrier        *int
	NextCheckAt    time.Time
	LastCheckedAt  *time.Time
	CheckFailCount int32
	LastError      *string
}
