package webhook

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"

	"github.com/BearBump/teletrack/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Event discriminants sent by the provider.
const (
	EventTrackingUpdated = "TRACKING_UPDATED"
	EventTrackingStopped = "TRACKING_STOPPED"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event type")
)

// Envelope is the outer shape of every push.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Event is a decoded push. Exactly one of Update and Stopped is set, matching Type.
type Event struct {
	Type    string
	Update  *models.PackageData
	Stopped *models.TrackingStopped
}

// Number returns the tracking number the event is about.
func (e Event) Number() string {
	switch {
	case e.Update != nil:
		return e.Update.Number
	case e.Stopped != nil:
		return e.Stopped.Number
	}
	return ""
}

type Decoder struct {
	validate *validator.Validate
}

func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Decode reads the discriminant first and then decodes the matching payload.
// Anything that does not fully match is rejected.
func (d *Decoder) Decode(body []byte) (Event, error) {
	if !utf8.Valid(body) {
		return Event{}, errors.Wrap(ErrMalformedEvent, "body is not utf-8")
	}

	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, errors.Wrapf(ErrMalformedEvent, "envelope: %v", err)
	}
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return Event{}, errors.Wrap(ErrMalformedEvent, "data is missing")
	}

	switch env.Event {
	case EventTrackingUpdated:
		var p models.PackageData
		if err := d.decodeData(env.Data, &p); err != nil {
			return Event{}, err
		}
		if !isObject(p.TrackInfo) {
			return Event{}, errors.Wrap(ErrMalformedEvent, "track_info must be an object")
		}
		// the fields the service reads must have the right types
		if _, err := p.Snapshot(); err != nil {
			return Event{}, errors.Wrapf(ErrMalformedEvent, "%v", err)
		}
		return Event{Type: env.Event, Update: &p}, nil
	case EventTrackingStopped:
		var s models.TrackingStopped
		if err := d.decodeData(env.Data, &s); err != nil {
			return Event{}, err
		}
		return Event{Type: env.Event, Stopped: &s}, nil
	case "":
		return Event{}, errors.Wrap(ErrMalformedEvent, "event is missing")
	default:
		return Event{}, errors.Wrapf(ErrUnknownEvent, "%q", env.Event)
	}
}

func (d *Decoder) decodeData(data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Wrapf(ErrMalformedEvent, "data: %v", err)
	}
	if err := d.validate.Struct(dst); err != nil {
		return errors.Wrapf(ErrMalformedEvent, "data: %v", err)
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 1 && b[0] == '{'
}
