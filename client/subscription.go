package client

import (
	"github.com/jizhuozhi/go-future"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/wire"
)

// Subscription is a live change feed. Snapshot is the catch-up response
// computed at subscribe time; everything after it arrives through the
// handler, in revision order.
type Subscription struct {
	Id       uint64
	Query    model.ChangeQuery
	Snapshot model.ChangeResponse

	handler func(model.ChangeResponse)
}

func (s *Subscription) deliver(resp model.ChangeResponse) {
	if s.handler != nil {
		s.handler(resp)
	}
}

// Subscribe registers a live query. The resolved subscription carries the
// gap-free snapshot; handler fires for every later matching change, in
// revision order. The handler runs on the connection's delivery path, so
// it should hand the response off rather than block, and must not call
// Subscribe itself.
func (c *ServerConnection) Subscribe(q model.ChangeQuery, handler func(model.ChangeResponse)) *Future[*Subscription] {
	result := future.NewPromise[*Subscription]()

	c.joinMu.Lock()
	c.subscribing++
	c.joinMu.Unlock()

	call[wire.SubscribeReply](c, wire.CmdSubscribe, q).Then(func(reply wire.SubscribeReply, err error) {
		if err != nil {
			c.settleSubscribe(nil)
			result.Set(nil, err)
			return
		}
		sub := &Subscription{
			Id:       reply.Subscription,
			Query:    q,
			Snapshot: reply.Changes,
			handler:  handler,
		}
		c.settleSubscribe(sub)
		result.Set(sub, nil)
	})

	return &Future[*Subscription]{inner: result.Future()}
}

// settleSubscribe finishes one subscribe attempt: it registers the handle
// and replays any pushes that arrived ahead of it. Registration and replay
// happen under joinMu so a push landing on the read loop at the same
// moment cannot overtake the buffered ones.
func (c *ServerConnection) settleSubscribe(sub *Subscription) {
	c.joinMu.Lock()
	defer c.joinMu.Unlock()
	if c.subscribing > 0 {
		c.subscribing--
	}
	if sub != nil {
		c.subs.Store(sub.Id, sub)
		for _, resp := range c.buffered[sub.Id] {
			sub.deliver(resp)
		}
		delete(c.buffered, sub.Id)
	}
	if c.subscribing == 0 {
		c.buffered = nil
	}
}

// Unsubscribe cancels one subscription by handle, resolving to the removed
// ids.
func (c *ServerConnection) Unsubscribe(sub *Subscription) *Future[[]uint64] {
	f := call[[]uint64](c, wire.CmdUnsubscribe, wire.UnsubscribeRequest{ById: true, Id: sub.Id})
	return f.Then(func(removed []uint64, err error) {
		if err != nil {
			return
		}
		for _, id := range removed {
			c.subs.Delete(id)
		}
	})
}

// UnsubscribeQuery cancels every subscription whose query equals q,
// resolving to the removed ids.
func (c *ServerConnection) UnsubscribeQuery(q model.ChangeQuery) *Future[[]uint64] {
	f := call[[]uint64](c, wire.CmdUnsubscribe, wire.UnsubscribeRequest{Query: q})
	return f.Then(func(removed []uint64, err error) {
		if err != nil {
			return
		}
		for _, id := range removed {
			c.subs.Delete(id)
		}
	})
}
