// Package fake is a deterministic stand-in for the 17track API, used when no API
// key is configured.
package fake

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/BearBump/teletrack/internal/models"
)

// Client reports a status derived from (carrier, number): every fifth number is delivered.
type Client struct {
	now func() time.Time
}

func New() *Client { return &Client{now: time.Now} }

type trackInfo struct {
	LatestStatus struct {
		Status    string `json:"status"`
		SubStatus string `json:"sub_status"`
	} `json:"latest_status"`
	LatestEvent struct {
		TimeUTC     string `json:"time_utc"`
		Description string `json:"description"`
	} `json:"latest_event"`
}

func (c *Client) GetTrackInfo(_ context.Context, number string, carrier *int) (models.PackageData, error) {
	h := fnv.New32a()
	if carrier != nil {
		_, _ = h.Write([]byte(strconv.Itoa(*carrier)))
	}
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(number))
	v := h.Sum32()

	var ti trackInfo
	ti.LatestStatus.Status = models.StatusInTransit
	ti.LatestStatus.SubStatus = "InTransit_Other"
	if v%5 == 0 {
		ti.LatestStatus.Status = models.StatusDelivered
		ti.LatestStatus.SubStatus = "Delivered_Other"
	}
	ti.LatestEvent.TimeUTC = c.now().UTC().Truncate(time.Hour).Format(time.RFC3339)
	ti.LatestEvent.Description = "fake carrier update"

	raw, err := json.Marshal(ti)
	if err != nil {
		return models.PackageData{}, err
	}

	pkg := models.PackageData{Number: number, TrackInfo: raw}
	if carrier != nil {
		pkg.Carrier = *carrier
	}
	return pkg, nil
}

func (c *Client) Register(context.Context, string, *int) error    { return nil }
func (c *Client) StopTrack(context.Context, string, *int) error   { return nil }
func (c *Client) Retrack(context.Context, string, *int) error     { return nil }
func (c *Client) DeleteTrack(context.Context, string, *int) error { return nil }
