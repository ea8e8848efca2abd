package messages

import (
	"time"

	"github.com/BearBump/teletrack/internal/models"
)

const (
	TopicTrackingUpdated = "tracking.updated"

	SourcePoller = "poller"
)

// TrackingUpdated uses the webhook envelope shape so both paths share one decoder.
type TrackingUpdated struct {
	Event     string             `json:"event"`
	Data      models.PackageData `json:"data"`
	Source    string             `json:"source"`
	CheckedAt time.Time          `json:"checked_at"`
}

func NewTrackingUpdated(pkg models.PackageData, checkedAt time.Time) TrackingUpdated {
	return TrackingUpdated{
		Event:     "TRACKING_UPDATED",
		Data:      pkg,
		Source:    SourcePoller,
		CheckedAt: checkedAt.UTC(),
	}
}
