package station

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrVendorQuery wraps every failure talking to the charging-network API:
	// transport errors, timeouts, non-2xx statuses, and undecodable bodies.
	ErrVendorQuery = errors.New("vendor query failed")
	// ErrUnknownStation is returned by Catalog.Resolve.
	ErrUnknownStation = errors.New("unknown station")
)

// DefaultFreeLabel is the pile status the vendor reports for an idle charger.
const DefaultFreeLabel = "空闲"

// Config configures the vendor client.
type Config struct {
	BaseURL     string
	OpenID      string
	Phone       string
	AccessToken string // skips login when set

	Longitude string
	Latitude  string

	FreeLabel string
	Timeout   time.Duration

	// Courtesy limit: RatePerMin requests per minute with Burst.
	RatePerMin int
	Burst      int

	// MaxConsecutiveErrors forces a fresh login after this many failures in a row.
	MaxConsecutiveErrors int
	// ReloginEvery forces a fresh login once the token is this old. 0 disables.
	ReloginEvery time.Duration
}

// Snapshot is the slot status of one station observed at one instant.
type Snapshot struct {
	StationID  string
	FreeSlots  int
	TotalSlots int
	ObservedAt time.Time
}

// Station is a catalog entry.
type Station struct {
	ID   string
	Name string
}

// vendor wire types

type envelope struct {
	Data json.RawMessage `json:"data"`
}

type loginData struct {
	AccessToken string `json:"access_token"`
}

type pileBox struct {
	Piles []pile `json:"piles"`
}

type pile struct {
	ShowStatusString string `json:"showStatusString"`
}

type stationEntry struct {
	ID          flexID `json:"id"`
	StationName string `json:"stationName"`
}

// flexID accepts a JSON number or string.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}
