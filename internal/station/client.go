package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	logx "chargewatch/pkg/logx"
)

const (
	loginPath    = "/api/MiniAccount/Login"
	boxpilesPath = "/api/ChargeStation/boxpiles"
	listPath     = "/api/ChargeStation/list"
)

// Client talks to the charging-network vendor API. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
	logins  singleflight.Group

	mu       sync.Mutex
	token    string
	loginAt  time.Time
	failures int
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("station: base url is empty")
	}
	if strings.TrimSpace(cfg.AccessToken) == "" && (cfg.OpenID == "" || cfg.Phone == "") {
		return nil, errors.New("station: either access_token or open_id+phone is required")
	}
	if cfg.FreeLabel == "" {
		cfg.FreeLabel = DefaultFreeLabel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 15
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 2
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 5
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	hc := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "chargewatch/1")

	return &Client{
		cfg:     cfg,
		http:    hc,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.Burst),
		log:     log,
		now:     time.Now,
		token:   strings.TrimSpace(cfg.AccessToken),
	}, nil
}

// FreeSlots queries the current pile status of one station.
func (c *Client) FreeSlots(ctx context.Context, stationID string) (Snapshot, error) {
	return c.FreeSlotsWithin(ctx, stationID, 0)
}

// FreeSlotsWithin is FreeSlots with the vendor exchange bounded by timeout.
// The rate limiter wait is bounded by ctx alone and does not count against
// timeout. A zero timeout leaves ctx as the only bound.
func (c *Client) FreeSlotsWithin(ctx context.Context, stationID string, timeout time.Duration) (Snapshot, error) {
	if err := c.pace(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("station %s: %w", stationID, err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var boxes []pileBox
	err := c.get(ctx, boxpilesPath, map[string]string{"stationId": stationID}, &boxes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("station %s: %w", stationID, err)
	}
	if len(boxes) == 0 {
		c.noteResult(errEmpty)
		return Snapshot{}, fmt.Errorf("station %s: %w: empty pile list", stationID, ErrVendorQuery)
	}

	snap := Snapshot{StationID: stationID, ObservedAt: c.now()}
	for _, b := range boxes {
		for _, p := range b.Piles {
			snap.TotalSlots++
			if strings.TrimSpace(p.ShowStatusString) == c.cfg.FreeLabel {
				snap.FreeSlots++
			}
		}
	}
	return snap, nil
}

// Stations lists the catalog around the configured coordinates.
func (c *Client) Stations(ctx context.Context) ([]Station, error) {
	if err := c.pace(ctx); err != nil {
		return nil, err
	}
	var entries []stationEntry
	err := c.get(ctx, listPath, map[string]string{
		"longitude": c.cfg.Longitude,
		"latitude":  c.cfg.Latitude,
	}, &entries)
	if err != nil {
		return nil, err
	}
	out := make([]Station, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			continue
		}
		out = append(out, Station{ID: string(e.ID), Name: strings.TrimSpace(e.StationName)})
	}
	return out, nil
}

var errEmpty = errors.New("empty response")

func (c *Client) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %v", ErrVendorQuery, err)
	}
	return nil
}

// get performs one authenticated GET. Callers pace first.
func (c *Client) get(ctx context.Context, path string, query map[string]string, out any) error {
	token, err := c.ensureToken(ctx)
	if err != nil {
		c.noteResult(err)
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		c.noteResult(err)
		return fmt.Errorf("%w: %v", ErrVendorQuery, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		c.dropToken()
		err := fmt.Errorf("%w: token rejected (http %d)", ErrVendorQuery, resp.StatusCode())
		c.noteResult(err)
		return err
	}
	if resp.IsError() {
		err := fmt.Errorf("%w: http %d", ErrVendorQuery, resp.StatusCode())
		c.noteResult(err)
		return err
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		c.noteResult(err)
		return fmt.Errorf("%w: decode envelope: %v", ErrVendorQuery, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		c.noteResult(errEmpty)
		return fmt.Errorf("%w: no data in response", ErrVendorQuery)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		c.noteResult(err)
		return fmt.Errorf("%w: decode data: %v", ErrVendorQuery, err)
	}
	c.noteResult(nil)
	return nil
}

func (c *Client) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.token
	stale := c.cfg.ReloginEvery > 0 && !c.loginAt.IsZero() && c.now().Sub(c.loginAt) > c.cfg.ReloginEvery
	c.mu.Unlock()
	if tok != "" && !stale {
		return tok, nil
	}
	if c.cfg.OpenID == "" || c.cfg.Phone == "" {
		if tok != "" {
			return tok, nil
		}
		return "", fmt.Errorf("%w: no credentials to log in", ErrVendorQuery)
	}
	// Concurrent callers after a dropped token share one login exchange.
	v, err, _ := c.logins.Do("login", func() (any, error) {
		return c.login(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"openid": c.cfg.OpenID, "phonenumber": c.cfg.Phone}).
		Post(loginPath)
	if err != nil {
		return "", fmt.Errorf("%w: login: %v", ErrVendorQuery, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: login: http %d", ErrVendorQuery, resp.StatusCode())
	}
	var env envelope
	var data loginData
	if err := json.Unmarshal(resp.Body(), &env); err == nil && len(env.Data) > 0 {
		err = json.Unmarshal(env.Data, &data)
		if err != nil {
			return "", fmt.Errorf("%w: login: decode: %v", ErrVendorQuery, err)
		}
	}
	if strings.TrimSpace(data.AccessToken) == "" {
		return "", fmt.Errorf("%w: login: no access token in response", ErrVendorQuery)
	}

	c.mu.Lock()
	c.token = data.AccessToken
	c.loginAt = c.now()
	c.mu.Unlock()
	c.log.Info("vendor login ok")
	return data.AccessToken, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// noteResult tracks consecutive failures and forces a re-login past the limit.
func (c *Client) noteResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.failures = 0
		return
	}
	c.failures++
	if c.failures >= c.cfg.MaxConsecutiveErrors && c.cfg.OpenID != "" {
		c.log.Warn("vendor failing repeatedly; forcing re-login", logx.Int("failures", c.failures))
		c.token = ""
		c.failures = 0
	}
}
