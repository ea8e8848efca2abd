package models

import (
	"encoding/json"
	"time"
)

// Main statuses reported by the tracking provider.
const (
	StatusNotFound           = "NotFound"
	StatusInfoReceived       = "InfoReceived"
	StatusInTransit          = "InTransit"
	StatusExpired            = "Expired"
	StatusAvailableForPickup = "AvailableForPickup"
	StatusOutForDelivery     = "OutForDelivery"
	StatusDeliveryFailure    = "DeliveryFailure"
	StatusDelivered          = "Delivered"
	StatusException          = "Exception"
)

// Snapshot is the single cached status document for a tracking number.
type Snapshot struct {
	TrackingNumber string
	Carrier        int
	Tag            string

	Status           string
	SubStatus        string
	LatestEventTime  string
	LatestEventDescr string

	// TrackInfo is the provider payload exactly as received.
	TrackInfo json.RawMessage

	UpdatedAt time.Time
}

func (s *Snapshot) IsDelivered() bool {
	return s != nil && s.Status == StatusDelivered
}

// Fingerprint identifies the semantic status of a snapshot; two snapshots with the
// same fingerprint describe the same point in the shipment's history.
func (s *Snapshot) Fingerprint() string {
	if s == nil {
		return ""
	}
	return s.Status + "|" + s.SubStatus + "|" + s.LatestEventTime + "|" + s.LatestEventDescr
}
