package server

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/telemetry"
)

// Dispatcher tracks live subscriptions per connection and fans committed
// changes out to the matching ones. Subscription ids count from 1 within
// each connection.
//
// Registration and dispatch both run inside the engine's Synchronized
// sections, so per-connection state needs no lock of its own; the xsync
// map only shields connection add/drop against concurrent readers.
type Dispatcher struct {
	conns *xsync.MapOf[uint64, *connSubs]
	trace *ChangeTrace
}

type connSubs struct {
	seq  uint64
	subs map[uint64]model.ChangeQuery
	push func(subID uint64, resp model.ChangeResponse)
}

func NewDispatcher(trace *ChangeTrace) *Dispatcher {
	return &Dispatcher{
		conns: xsync.NewMapOf[uint64, *connSubs](),
		trace: trace,
	}
}

// Register adds a connection with its push callback.
func (d *Dispatcher) Register(connID uint64, push func(subID uint64, resp model.ChangeResponse)) {
	d.conns.Store(connID, &connSubs{subs: map[uint64]model.ChangeQuery{}, push: push})
}

// Drop removes a connection and all its subscriptions.
func (d *Dispatcher) Drop(connID uint64) {
	d.conns.Delete(connID)
}

// Subscribe registers a query for the connection and returns its id.
func (d *Dispatcher) Subscribe(connID uint64, q model.ChangeQuery) uint64 {
	cs, ok := d.conns.Load(connID)
	if ok {
		cs.seq++
		cs.subs[cs.seq] = q
		return cs.seq
	}
	return 0
}

// UnsubscribeID removes one subscription by id, returning the removed ids.
func (d *Dispatcher) UnsubscribeID(connID, subID uint64) []uint64 {
	removed := []uint64{}
	if cs, ok := d.conns.Load(connID); ok {
		if _, exists := cs.subs[subID]; exists {
			delete(cs.subs, subID)
			removed = append(removed, subID)
		}
	}
	return removed
}

// UnsubscribeQuery removes every subscription whose query equals q,
// returning the removed ids.
func (d *Dispatcher) UnsubscribeQuery(connID uint64, q model.ChangeQuery) []uint64 {
	removed := []uint64{}
	if cs, ok := d.conns.Load(connID); ok {
		for id, sub := range cs.subs {
			if sub.Equal(q) {
				delete(cs.subs, id)
				removed = append(removed, id)
			}
		}
	}
	return removed
}

// Dispatch evaluates one committed change against every live subscription
// and pushes a single-change response to each match.
func (d *Dispatcher) Dispatch(change model.Change) {
	d.trace.Log(change)
	d.conns.Range(func(connID uint64, cs *connSubs) bool {
		for subID, q := range cs.subs {
			if !q.Matches(change) {
				continue
			}
			cs.push(subID, model.ChangeResponse{
				Query:        q,
				Changes:      []model.Change{change},
				LastRevision: change.Revision,
			})
			telemetry.ChangesDispatchedTotal.Inc()
		}
		return true
	})
}

// Count returns the total number of live subscriptions.
func (d *Dispatcher) Count() int {
	total := 0
	d.conns.Range(func(_ uint64, cs *connSubs) bool {
		total += len(cs.subs)
		return true
	})
	return total
}

// SubscriptionStat describes one live subscription for the admin API.
type SubscriptionStat struct {
	Connection   uint64            `json:"connection"`
	Subscription uint64            `json:"subscription"`
	Query        model.ChangeQuery `json:"query"`
}

// Stats snapshots every live subscription.
func (d *Dispatcher) Stats() []SubscriptionStat {
	stats := []SubscriptionStat{}
	d.conns.Range(func(connID uint64, cs *connSubs) bool {
		for subID, q := range cs.subs {
			stats = append(stats, SubscriptionStat{
				Connection:   connID,
				Subscription: subID,
				Query:        q,
			})
		}
		return true
	})
	return stats
}
