// Package cursor owns pull-based retrieval of feed pages for the active
// filter.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gauthierbraillon/feedsync/internal/feed"
)

// DefaultPageSize is the number of items requested per page.
const DefaultPageSize = 20

// Fetcher retrieves one page from the pull API.
type Fetcher interface {
	ListItems(ctx context.Context, filter feed.Filter, page, limit int) ([]feed.Item, error)
}

// Result is a fetched page.
type Result struct {
	Filter feed.Filter
	// Page is the 1-based page number the items belong to.
	Page      int
	Items     []feed.Item
	Exhausted bool
	// FellBack is set when the items came from the default filter because
	// the active filter's endpoint failed.
	FellBack bool
	// Epoch identifies the cursor generation the result was fetched for.
	Epoch uint64
}

// State is a point-in-time view of the cursor.
type State struct {
	Filter    feed.Filter
	LastPage  int
	Exhausted bool
	InFlight  bool
	Epoch     uint64
}

// Cursor paginates one filter at a time. It is safe for concurrent use;
// concurrent FetchNext calls share one request.
type Cursor struct {
	fetcher  Fetcher
	pageSize int
	logger   *slog.Logger
	group    singleflight.Group

	mu        sync.Mutex
	filter    feed.Filter
	lastPage  int
	exhausted bool
	inFlight  bool
	epoch     uint64
	cancel    context.CancelFunc
}

// Option configures a Cursor.
type Option func(*Cursor)

// WithPageSize sets the page size.
func WithPageSize(n int) Option {
	return func(c *Cursor) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cursor) { c.logger = l }
}

// New creates a cursor positioned before the first page of filter.
func New(f Fetcher, filter feed.Filter, opts ...Option) *Cursor {
	c := &Cursor{
		fetcher:  f,
		pageSize: DefaultPageSize,
		logger:   slog.Default(),
		filter:   filter,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PageSize returns the number of items requested per page.
func (c *Cursor) PageSize() int { return c.pageSize }

// State returns the cursor state.
func (c *Cursor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Filter:    c.filter,
		LastPage:  c.lastPage,
		Exhausted: c.exhausted,
		InFlight:  c.inFlight,
		Epoch:     c.epoch,
	}
}

// Reset switches to filter and rewinds to before the first page. A fetch
// still in flight is cancelled and its result reported as stale.
func (c *Cursor) Reset(filter feed.Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.epoch++
	c.filter = filter
	c.lastPage = 0
	c.exhausted = false
	c.inFlight = false
}

// FetchNext fetches the page after the last one. An exhausted cursor
// returns an empty exhausted result without a request. While a fetch is in
// flight, further calls wait for it and share its result.
//
// A failure of a non-default filter is retried once against the default
// filter for the same page. If that fails too, or the default filter itself
// fails, the error is a *feed.FetchError and the cursor does not advance.
func (c *Cursor) FetchNext(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.exhausted {
		res := Result{Filter: c.filter, Page: c.lastPage, Exhausted: true, Epoch: c.epoch}
		c.mu.Unlock()
		return res, nil
	}
	key := fmt.Sprintf("%d/%s", c.epoch, c.filter)
	epoch := c.epoch
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.fetch(ctx, epoch)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cursor) fetch(ctx context.Context, epoch uint64) (Result, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return Result{}, feed.ErrStaleFetch
	}
	if c.exhausted {
		res := Result{Filter: c.filter, Page: c.lastPage, Exhausted: true, Epoch: epoch}
		c.mu.Unlock()
		return res, nil
	}
	filter := c.filter
	page := c.lastPage + 1
	fetchCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.inFlight = true
	c.mu.Unlock()
	defer cancel()

	items, fellBack, err := c.list(fetchCtx, filter, page)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		c.logger.Debug("discarding page fetched before reset", "filter", string(filter), "page", page)
		return Result{}, feed.ErrStaleFetch
	}
	c.inFlight = false
	c.cancel = nil
	if err != nil {
		return Result{}, err
	}

	c.lastPage = page
	c.exhausted = len(items) < c.pageSize
	return Result{
		Filter:    filter,
		Page:      page,
		Items:     items,
		Exhausted: c.exhausted,
		FellBack:  fellBack,
		Epoch:     epoch,
	}, nil
}

func (c *Cursor) list(ctx context.Context, filter feed.Filter, page int) ([]feed.Item, bool, error) {
	items, err := c.fetcher.ListItems(ctx, filter, page, c.pageSize)
	if err == nil {
		return items, false, nil
	}
	if filter == feed.DefaultFilter || errors.Is(ctx.Err(), context.Canceled) {
		return nil, false, &feed.FetchError{Filter: filter, Page: page, Err: err}
	}

	c.logger.Warn("page fetch failed, falling back to default filter",
		"filter", string(filter), "page", page, "error", err)
	items, fallbackErr := c.fetcher.ListItems(ctx, feed.DefaultFilter, page, c.pageSize)
	if fallbackErr != nil {
		return nil, true, &feed.FetchError{Filter: filter, Page: page, FellBack: true, Err: errors.Join(err, fallbackErr)}
	}
	return items, true, nil
}
