package station

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Lister is the catalog source, usually *Client.
type Lister interface {
	Stations(ctx context.Context) ([]Station, error)
}

// Catalog caches the station directory so chat commands can refer to
// stations by name. Slot counts are never cached here.
type Catalog struct {
	src Lister
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	items     []Station
	fetchedAt time.Time
}

func NewCatalog(src Lister, ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Catalog{src: src, ttl: ttl, now: time.Now}
}

// List returns the cached directory, refreshing it when older than the TTL.
// On refresh failure a previously fetched list is still returned with the error.
func (c *Catalog) List(ctx context.Context) ([]Station, error) {
	c.mu.Lock()
	fresh := c.items != nil && c.now().Sub(c.fetchedAt) < c.ttl
	items := c.items
	c.mu.Unlock()
	if fresh {
		return items, nil
	}

	got, err := c.src.Stations(ctx)
	if err != nil {
		return items, err
	}
	sort.SliceStable(got, func(i, j int) bool { return got[i].Name < got[j].Name })

	c.mu.Lock()
	c.items = got
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return got, nil
}

// Resolve maps a user-supplied station name or id to a catalog entry.
// Name matching is exact first, then case-insensitive.
func (c *Catalog) Resolve(ctx context.Context, arg string) (Station, error) {
	arg = strings.TrimSpace(arg)
	items, err := c.List(ctx)
	if len(items) == 0 && err != nil {
		return Station{}, err
	}
	for _, s := range items {
		if s.Name == arg || s.ID == arg {
			return s, nil
		}
	}
	for _, s := range items {
		if strings.EqualFold(s.Name, arg) {
			return s, nil
		}
	}
	return Station{}, fmt.Errorf("%w: %q", ErrUnknownStation, arg)
}

// Name returns the display name of id, or id itself when unknown.
func (c *Catalog) Name(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.items {
		if s.ID == id && s.Name != "" {
			return s.Name
		}
	}
	return id
}
