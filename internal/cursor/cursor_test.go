package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gauthierbraillon/feedsync/internal/feed"
)

type call struct {
	filter feed.Filter
	page   int
}

// fakeFetcher serves size-limited pages from a fixed number of items per
// filter and can be told to fail or block.
type fakeFetcher struct {
	mu      sync.Mutex
	calls   []call
	total   map[feed.Filter]int
	failing map[feed.Filter]bool
	gate    chan struct{}
	entered chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		total:   map[feed.Filter]int{feed.FilterAll: 5, feed.FilterFollowing: 3},
		failing: map[feed.Filter]bool{},
	}
}

func (f *fakeFetcher) ListItems(ctx context.Context, filter feed.Filter, page, limit int) ([]feed.Item, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{filter, page})
	gate, entered := f.gate, f.entered
	failing := f.failing[filter]
	total := f.total[filter]
	f.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.New("endpoint down")
	}

	var items []feed.Item
	for i := (page - 1) * limit; i < page*limit && i < total; i++ {
		items = append(items, feed.Item{ID: fmt.Sprintf("%s-%d", filter, i)})
	}
	return items, nil
}

func (f *fakeFetcher) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestAC600_Cursor_AdvancesUntilShortPage(t *testing.T) {
	f := newFakeFetcher()
	c := New(f, feed.FilterAll, WithPageSize(2))

	var pages [][]string
	for i := 0; i < 4; i++ {
		res, err := c.FetchNext(context.Background())
		require.NoError(t, err)
		var ids []string
		for _, it := range res.Items {
			ids = append(ids, it.ID)
		}
		pages = append(pages, ids)
	}

	assert.Equal(t, [][]string{{"all-0", "all-1"}, {"all-2", "all-3"}, {"all-4"}, nil}, pages)
	assert.Len(t, f.Calls(), 3, "an exhausted cursor must not hit the API")
	st := c.State()
	assert.Equal(t, 3, st.LastPage)
	assert.True(t, st.Exhausted)
}

func TestAC601_Cursor_ConcurrentFetchesShareOneRequest(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 4)
	c := New(f, feed.FilterAll, WithPageSize(2))

	results := make(chan Result, 3)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := c.FetchNext(context.Background())
		assert.NoError(t, err)
		results <- res
	}()
	<-f.entered
	assert.True(t, c.State().InFlight)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.FetchNext(context.Background())
			assert.NoError(t, err)
			results <- res
		}()
	}
	// Give the joiners time to attach to the pending request.
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	wg.Wait()
	close(results)

	for res := range results {
		assert.Equal(t, 1, res.Page, "every concurrent caller should get the pending result")
	}
	assert.Equal(t, []call{{feed.FilterAll, 1}}, f.Calls())
	assert.Equal(t, 1, c.State().LastPage)
}

func TestAC602_Cursor_FallsBackOnceToDefaultFilter(t *testing.T) {
	f := newFakeFetcher()
	f.failing[feed.FilterTrending] = true
	c := New(f, feed.FilterTrending, WithPageSize(2))

	res, err := c.FetchNext(context.Background())
	require.NoError(t, err)
	assert.True(t, res.FellBack)
	assert.Equal(t, feed.FilterTrending, res.Filter)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "all-0", res.Items[0].ID)
	assert.Equal(t, []call{{feed.FilterTrending, 1}, {feed.FilterAll, 1}}, f.Calls())
}

func TestAC603_Cursor_FallbackFailureSurfacesFetchError(t *testing.T) {
	f := newFakeFetcher()
	f.failing[feed.FilterFollowing] = true
	f.failing[feed.FilterAll] = true
	c := New(f, feed.FilterFollowing)

	_, err := c.FetchNext(context.Background())
	require.ErrorIs(t, err, feed.ErrFetch)
	var fe *feed.FetchError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.FellBack)
	assert.Equal(t, 1, fe.Page)
	assert.Len(t, f.Calls(), 2, "the fallback must not be chained")
	assert.Zero(t, c.State().LastPage, "a failed fetch must not advance the cursor")

	f.mu.Lock()
	f.failing[feed.FilterFollowing] = false
	f.mu.Unlock()
	res, err := c.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page, "the failed page is retried")
}

func TestCursor_DefaultFilterFailureDoesNotFallBack(t *testing.T) {
	f := newFakeFetcher()
	f.failing[feed.FilterAll] = true
	c := New(f, feed.FilterAll)

	_, err := c.FetchNext(context.Background())
	var fe *feed.FetchError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.FellBack)
	assert.Len(t, f.Calls(), 1)
}

func TestAC604_Cursor_ResetDiscardsInFlightResult(t *testing.T) {
	f := newFakeFetcher()
	f.gate = make(chan struct{})
	f.entered = make(chan struct{}, 4)
	c := New(f, feed.FilterAll, WithPageSize(2))

	errs := make(chan error, 1)
	go func() {
		_, err := c.FetchNext(context.Background())
		errs <- err
	}()
	<-f.entered

	c.Reset(feed.FilterFollowing)
	assert.ErrorIs(t, <-errs, feed.ErrStaleFetch)

	st := c.State()
	assert.Equal(t, feed.FilterFollowing, st.Filter)
	assert.Zero(t, st.LastPage)
	assert.False(t, st.Exhausted)
	assert.False(t, st.InFlight)

	close(f.gate)
	res, err := c.FetchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, feed.FilterFollowing, res.Filter)
	assert.Equal(t, 1, res.Page)
	assert.Equal(t, call{feed.FilterFollowing, 1}, f.Calls()[1], "first fetch after reset targets the new filter")
}
