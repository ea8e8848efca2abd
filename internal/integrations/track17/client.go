package track17

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/pkg/errors"
)

const DefaultBaseURL = "https://api.17track.net/track/v2.2"

// Rejection codes the service reacts to.
const (
	CodeAlreadyRegistered = -18019901
	CodeCarrierNotFound   = -18019903
)

var (
	ErrNoTrackingData  = errors.New("no tracking data found")
	ErrCarrierRequired = errs.ErrCarrierRequired
)

// RejectedError is a per-number rejection returned inside a successful response.
type RejectedError struct {
	Number  string
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("17track rejected %s: %d %s", e.Number, e.Code, e.Message)
}

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type item struct {
	Number  string `json:"number"`
	Carrier *int   `json:"carrier,omitempty"`
}

type rejected struct {
	Number string `json:"number"`
	Error  struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type response struct {
	Code int `json:"code"`
	Data struct {
		Accepted []json.RawMessage `json:"accepted"`
		Rejected []rejected        `json:"rejected"`
	} `json:"data"`
}

// GetTrackInfo fetches the current package document for one number.
func (c *Client) GetTrackInfo(ctx context.Context, number string, carrier *int) (models.PackageData, error) {
	r, err := c.call(ctx, "gettrackinfo", number, carrier)
	if err != nil {
		return models.PackageData{}, err
	}
	if len(r.Data.Accepted) == 0 {
		return models.PackageData{}, ErrNoTrackingData
	}

	var pkg models.PackageData
	if err := json.Unmarshal(r.Data.Accepted[0], &pkg); err != nil {
		return models.PackageData{}, errors.Wrap(err, "decode accepted")
	}
	if len(pkg.TrackInfo) == 0 || string(pkg.TrackInfo) == "null" {
		return models.PackageData{}, ErrNoTrackingData
	}
	return pkg, nil
}

// Register starts provider-side tracking. A number that is already registered is not an error.
func (c *Client) Register(ctx context.Context, number string, carrier *int) error {
	_, err := c.call(ctx, "register", number, carrier)
	var rej *RejectedError
	if errors.As(err, &rej) && rej.Code == CodeAlreadyRegistered {
		return nil
	}
	return err
}

func (c *Client) StopTrack(ctx context.Context, number string, carrier *int) error {
	_, err := c.call(ctx, "stoptrack", number, carrier)
	return err
}

func (c *Client) Retrack(ctx context.Context, number string, carrier *int) error {
	_, err := c.call(ctx, "retrack", number, carrier)
	return err
}

func (c *Client) DeleteTrack(ctx context.Context, number string, carrier *int) error {
	_, err := c.call(ctx, "deletetrack", number, carrier)
	return err
}

func (c *Client) call(ctx context.Context, op, number string, carrier *int) (*response, error) {
	body, err := json.Marshal([]item{{Number: number, Carrier: carrier}})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+op, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("17token", c.apiKey)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("17track %s http %d: %s", op, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if r.Code != 0 {
		return nil, fmt.Errorf("17track %s code=%d", op, r.Code)
	}
	for _, rj := range r.Data.Rejected {
		if rj.Number != number {
			continue
		}
		if rj.Error.Code == CodeCarrierNotFound {
			return nil, ErrCarrierRequired
		}
		return nil, &RejectedError{Number: rj.Number, Code: rj.Error.Code, Message: rj.Error.Message}
	}
	return &r, nil
}
