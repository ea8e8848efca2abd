package models

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// PackageData is the provider's per-number document, shared by webhook pushes and
// gettrackinfo responses.
type PackageData struct {
	Number    string          `json:"number" validate:"required"`
	Carrier   int             `json:"carrier"`
	Param     json.RawMessage `json:"param,omitempty"`
	Tag       string          `json:"tag"`
	TrackInfo json.RawMessage `json:"track_info" validate:"required"`
}

// TrackingStopped carries only the identity of a number the provider stopped tracking.
type TrackingStopped struct {
	Number  string          `json:"number" validate:"required"`
	Carrier int             `json:"carrier"`
	Param   json.RawMessage `json:"param,omitempty"`
	Tag     string          `json:"tag"`
}

// TrackInfoSummary is the subset of track_info the service interprets.
type TrackInfoSummary struct {
	LatestStatus struct {
		Status         string  `json:"status"`
		SubStatus      string  `json:"sub_status"`
		SubStatusDescr *string `json:"sub_status_descr"`
	} `json:"latest_status"`
	LatestEvent *struct {
		TimeISO     string `json:"time_iso"`
		TimeUTC     string `json:"time_utc"`
		Description string `json:"description"`
		Location    string `json:"location"`
	} `json:"latest_event"`
}

// Snapshot projects the package into the stored snapshot shape.
func (p PackageData) Snapshot() (Snapshot, error) {
	var sum TrackInfoSummary
	if err := json.Unmarshal(p.TrackInfo, &sum); err != nil {
		return Snapshot{}, errors.Wrap(err, "decode track_info")
	}
	s := Snapshot{
		TrackingNumber: p.Number,
		Carrier:        p.Carrier,
		Tag:            p.Tag,
		Status:         sum.LatestStatus.Status,
		SubStatus:      sum.LatestStatus.SubStatus,
		TrackInfo:      p.TrackInfo,
	}
	if sum.LatestEvent != nil {
		s.LatestEventTime = sum.LatestEvent.TimeUTC
		if s.LatestEventTime == "" {
			s.LatestEventTime = sum.LatestEvent.TimeISO
		}
		s.LatestEventDescr = sum.LatestEvent.Description
	}
	return s, nil
}
