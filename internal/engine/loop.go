package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gauthierbraillon/feedsync/internal/api"
	"github.com/gauthierbraillon/feedsync/internal/cursor"
	"github.com/gauthierbraillon/feedsync/internal/feed"
	"github.com/gauthierbraillon/feedsync/internal/optimistic"
	"github.com/gauthierbraillon/feedsync/internal/supervisor"
)

// message is an input to the loop.
type message interface{ isMessage() }

type actionReply struct {
	localID string
	err     error
}

type (
	msgEvent struct{ event feed.MutationEvent }
	msgPage  struct {
		result cursor.Result
		err    error
		reply  chan error
	}
	msgAction struct {
		action optimistic.Action
		// toggle picks like or unlike from the viewer's current state.
		toggle bool
		reply  chan actionReply
	}
	msgSettled struct {
		localID string
		item    *feed.Item
		err     error
	}
	msgExpired   struct{ localID string }
	msgFollowing struct {
		authorIDs []string
		err       error
	}
	msgFilter struct {
		filter feed.Filter
		reply  chan error
	}
	msgReconnect struct{ reply chan error }
)

func (msgEvent) isMessage()     {}
func (msgPage) isMessage()      {}
func (msgAction) isMessage()    {}
func (msgSettled) isMessage()   {}
func (msgExpired) isMessage()   {}
func (msgFollowing) isMessage() {}
func (msgFilter) isMessage()    {}
func (msgReconnect) isMessage() {}

func (e *Engine) run() {
	defer close(e.done)
	for {
		var ack func()
		select {
		case <-e.ctx.Done():
			return
		case m := <-e.mailbox:
			ack = e.handle(m)
		case <-e.nudge:
			e.connectionChanged()
		}
		e.publish()
		// Callers see their change in Snapshot once they are answered.
		if ack != nil {
			ack()
		}
	}
}

func (e *Engine) handle(m message) (ack func()) {
	switch m := m.(type) {
	case msgEvent:
		e.applyEvent(m.event)
	case msgPage:
		e.mergePage(m.result, m.err)
		return func() { m.reply <- nil }
	case msgAction:
		localID, err := e.apply(m)
		return func() { m.reply <- actionReply{localID: localID, err: err} }
	case msgSettled:
		e.settle(m)
	case msgExpired:
		if err := e.tracker.Rollback(m.localID, "timeout"); err == nil {
			e.notify(Notice{Kind: NoticeMutationTimedOut, LocalID: m.localID,
				Message: "the server did not confirm your change in time; it was undone"})
		}
	case msgFollowing:
		if m.err != nil {
			e.logger.Warn("could not load followed authors", "error", m.err)
			if e.list.Filter() == feed.FilterFollowing {
				e.notify(Notice{Kind: NoticeFollowingFailed, Err: m.err,
					Message: "could not load who you follow; new posts may be missing until you switch filters again"})
			}
			return nil
		}
		e.list.SetFollowing(m.authorIDs)
	case msgFilter:
		e.switchFilter(m.filter)
		return func() { m.reply <- nil }
	case msgReconnect:
		e.logger.Info("reconnecting push channel")
		e.supervisor.Start(e.ctx, e.channelConfig(e.list.Filter()))
		return func() { m.reply <- nil }
	}
	return nil
}

func (e *Engine) applyEvent(ev feed.MutationEvent) {
	e.list.Apply(ev)

	// The push echo of the viewer's own post can beat the API response.
	if ev.Kind == feed.KindCreated && ev.Item != nil && ev.Item.CorrelationID != "" {
		if st, ok := e.tracker.Status(ev.Item.CorrelationID); ok && st == optimistic.StatusPending {
			_ = e.tracker.Confirm(ev.Item.CorrelationID, ev.Item)
		}
	}
}

func (e *Engine) mergePage(res cursor.Result, err error) {
	if err != nil {
		var fe *feed.FetchError
		if errors.Is(err, context.Canceled) || (errors.As(err, &fe) && fe.Filter != e.list.Filter()) {
			return
		}
		e.logger.Warn("page fetch failed", "error", err)
		e.notify(Notice{Kind: NoticeFetchFailed, Err: err, Message: "could not load more items; try again"})
		return
	}
	if res.Epoch != e.cursor.State().Epoch || res.Filter != e.list.Filter() {
		e.logger.Debug("discarding stale page", "filter", string(res.Filter), "page", res.Page)
		return
	}
	n := e.list.MergePage(res.Items)
	e.page, e.exhausted = res.Page, res.Exhausted
	e.logger.Debug("page merged", "filter", string(res.Filter), "page", res.Page, "accepted", n, "exhausted", res.Exhausted)
	if res.FellBack {
		e.notify(Notice{Kind: NoticeFellBack,
			Message: fmt.Sprintf("%s feed unavailable, showing all items", res.Filter)})
	}
}

func (e *Engine) apply(m msgAction) (string, error) {
	a := m.action
	if m.toggle {
		held, ok := e.list.Get(a.ItemID)
		if !ok {
			return "", optimistic.ErrItemNotFound
		}
		a.Kind = optimistic.KindLike
		if held.HasLike(e.cfg.ViewerID) {
			a.Kind = optimistic.KindUnlike
		}
	}

	localID, err := e.tracker.Apply(a)
	if err != nil {
		return "", err
	}
	e.spawn(func() { e.roundTrip(localID, a) })
	return localID, nil
}

// roundTrip submits an applied action and posts the outcome to the loop.
func (e *Engine) roundTrip(localID string, a optimistic.Action) {
	var (
		item *feed.Item
		err  error
	)
	switch a.Kind {
	case optimistic.KindPost:
		item, err = e.api.CreateItem(e.ctx, api.CreateRequest{Content: a.Content, MediaRef: a.MediaRef, ClientID: localID})
	case optimistic.KindDelete:
		item, err = e.api.DeleteItem(e.ctx, a.ItemID)
	case optimistic.KindLike, optimistic.KindUnlike:
		item, err = e.api.LikeItem(e.ctx, a.ItemID, a.Kind == optimistic.KindLike)
	}
	_ = e.post(e.ctx, msgSettled{localID: localID, item: item, err: err})
}

func (e *Engine) settle(m msgSettled) {
	if m.err != nil {
		if err := e.tracker.Rollback(m.localID, m.err.Error()); err != nil {
			return
		}
		n := Notice{Kind: NoticeMutationFailed, LocalID: m.localID, Err: m.err,
			Message: "your change could not be saved; it was undone"}
		var rejected *feed.MutationRejectedError
		if errors.As(m.err, &rejected) {
			n.Kind = NoticeMutationRejected
			n.Message = fmt.Sprintf("the server rejected your %s: %s", rejected.Action, rejected.Reason)
		}
		e.notify(n)
		return
	}

	err := e.tracker.Confirm(m.localID, m.item)
	switch {
	case err == nil:
	case errors.Is(err, optimistic.ErrMissingItem):
		// The push echo or the timeout settles it.
		e.logger.Warn("post confirmed without an item", "local_id", m.localID)
	case errors.Is(err, optimistic.ErrAlreadySettled):
		if m.item != nil {
			e.list.Merge(*m.item)
		}
	}
}

func (e *Engine) switchFilter(filter feed.Filter) {
	e.logger.Info("switching filter", "from", string(e.list.Filter()), "to", string(filter))
	e.cursor.Reset(filter)
	e.list.Reset(filter)
	e.tracker.Reset()
	e.page, e.exhausted = 0, false
	if filter == feed.FilterFollowing {
		e.spawn(e.loadFollowing)
	}
	if e.supervisor != nil {
		e.supervisor.Start(e.ctx, e.channelConfig(filter))
	}
}

func (e *Engine) connectionChanged() {
	m := e.supervisor.State()
	if m.Unavailable && m.State == supervisor.StateDisconnected && !e.published.Connection.Unavailable {
		e.notify(Notice{Kind: NoticeChannelUnavailable, Err: feed.ErrTransport,
			Message: "live updates unavailable; the feed still loads on demand"})
	}
}

func (e *Engine) notify(n Notice) {
	n.At = e.clock.Now()
	select {
	case e.notices <- n:
	default:
		e.logger.Warn("notice dropped", "kind", n.Kind.String(), "message", n.Message)
	}
}

// publish stores a new snapshot if anything readers can see changed.
func (e *Engine) publish() {
	loading := e.cursor.State().InFlight
	conn := e.ConnectionState()
	prev := e.published
	if prev.Revision == e.list.Revision() && prev.Filter == e.list.Filter() &&
		prev.Page == e.page && prev.Exhausted == e.exhausted && prev.Loading == loading &&
		prev.Connection == conn && prev.Pending == e.tracker.Pending() {
		return
	}

	list := e.list.Snapshot()
	next := Snapshot{
		Seq:        prev.Seq + 1,
		Revision:   list.Revision,
		Filter:     list.Filter,
		Items:      list.Items,
		Page:       e.page,
		Exhausted:  e.exhausted,
		Loading:    loading,
		Live:       conn.State == supervisor.StateConnected,
		Connection: conn,
		Pending:    e.tracker.Pending(),
	}
	e.published = next
	e.snap.Store(&next)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next.Seq
	}
}

type presence struct {
	ViewerID string      `json:"viewerId"`
	Filter   feed.Filter `json:"filter"`
}

func presenceFrame(viewerID string, filter feed.Filter) *feed.Frame {
	data, _ := json.Marshal(presence{ViewerID: viewerID, Filter: filter})
	return &feed.Frame{Event: feed.FramePresence, Data: data}
}
