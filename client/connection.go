// Package client implements the sync protocol client: a persistent,
// self-reconnecting connection with future-based commands and live change
// subscriptions.
package client

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/wire"
)

// State of the connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const reconnectDelay = time.Second

// ServerConnection is a client connection to one server. While the
// connection "should be connected" a dropped link reconnects itself;
// Disconnect stops that. Commands return futures resolved by the reply
// frame carrying their msgId.
//
// Subscriptions do not survive a reconnect: the server drops them with the
// connection, so handles from before the drop go silent and the caller
// re-subscribes where it left off.
type ServerConnection struct {
	addr     string
	name     string
	password string

	shouldBeConnected atomic.Bool
	state             atomic.Int32

	mu   sync.Mutex
	conn *wire.Conn

	msgSeq  atomic.Uint64
	pending *xsync.MapOf[uint64, *future.Promise[json.RawMessage]]
	subs    *xsync.MapOf[uint64, *Subscription]

	// joinMu orders push delivery against subscription registration. The
	// server may push for a new subscription before its subscribe reply has
	// finished resolving on this side (or even before the reply frame, when
	// a mutation lands between snapshot and reply write); such pushes are
	// held in buffered and replayed once the handle registers.
	joinMu      sync.Mutex
	subscribing int
	buffered    map[uint64][]model.ChangeResponse
}

// Connect dials, authenticates and returns a live connection. The first
// attempt is synchronous so a bad address or password fails fast; after
// that, lost links reconnect automatically.
func Connect(addr, name, password string) (*ServerConnection, error) {
	c := &ServerConnection{
		addr:     addr,
		name:     name,
		password: password,
		pending:  xsync.NewMapOf[uint64, *future.Promise[json.RawMessage]](),
		subs:     xsync.NewMapOf[uint64, *Subscription](),
	}
	c.shouldBeConnected.Store(true)
	if err := c.connectOnce(); err != nil {
		c.shouldBeConnected.Store(false)
		return nil, err
	}
	return c, nil
}

// State returns the current lifecycle state.
func (c *ServerConnection) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the connection is authenticated and usable.
func (c *ServerConnection) IsConnected() bool {
	return c.State() == StateConnected
}

// Disconnect closes the link, suppresses reconnection and rejects every
// pending future.
func (c *ServerConnection) Disconnect() {
	c.shouldBeConnected.Store(false)
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *ServerConnection) connectOnce() error {
	c.state.Store(int32(StateConnecting))
	raw, err := net.DialTimeout("tcp", c.addr, 10*time.Second)
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return model.NewTransportError("failed to connect to "+c.addr, err)
	}

	conn := wire.NewConn(raw)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.msgSeq.Store(0)

	go c.readLoop(conn)

	c.state.Store(int32(StateAuthenticating))
	ok, err := call[bool](c, wire.CmdAuthenticate, wire.AuthRequest{
		Name: c.name,
		Pwd:  c.password,
	}).GetWithin(10 * time.Second)
	if err != nil {
		conn.Close()
		c.state.Store(int32(StateDisconnected))
		return err
	}
	if !ok {
		conn.Close()
		c.state.Store(int32(StateDisconnected))
		c.shouldBeConnected.Store(false)
		return model.NewAuthorizationError("server rejected the password")
	}

	c.state.Store(int32(StateConnected))
	log.Info().Str("addr", c.addr).Msg("Connected")
	return nil
}

func (c *ServerConnection) readLoop(conn *wire.Conn) {
	err := conn.ReadLoop(c.handleFrame)
	if err != nil {
		log.Warn().Err(err).Str("addr", c.addr).Msg("Connection lost")
	}
	conn.Close()
	c.state.Store(int32(StateDisconnected))
	c.failPending(model.NewTransportError("connection closed", err))
	c.joinMu.Lock()
	c.subs.Clear()
	c.buffered = nil
	c.joinMu.Unlock()

	if c.shouldBeConnected.Load() {
		go c.reconnectLoop()
	}
}

func (c *ServerConnection) reconnectLoop() {
	for c.shouldBeConnected.Load() {
		time.Sleep(reconnectDelay)
		if !c.shouldBeConnected.Load() {
			return
		}
		if err := c.connectOnce(); err == nil {
			return
		}
		log.Debug().Str("addr", c.addr).Msg("Reconnect attempt failed")
	}
}

func (c *ServerConnection) failPending(cause error) {
	c.pending.Range(func(msgID uint64, p *future.Promise[json.RawMessage]) bool {
		c.pending.Delete(msgID)
		p.Set(nil, cause)
		return true
	})
}

// handleFrame routes one inbound frame: replies and errors resolve their
// pending future, pushed changes fire the subscription handle.
func (c *ServerConnection) handleFrame(raw []byte) {
	var resp wire.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		log.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}

	switch resp.Cmd {
	case wire.CmdReply:
		if p, ok := c.pending.LoadAndDelete(resp.ReplyTo); ok {
			p.Set(resp.Data, nil)
		}
	case wire.CmdError:
		if p, ok := c.pending.LoadAndDelete(resp.ReplyTo); ok {
			var message string
			_ = json.Unmarshal(resp.Data, &message)
			p.Set(nil, &model.Error{Kind: model.ErrorKind(resp.Kind), Message: message})
		}
	case wire.CmdChanges:
		var changes model.ChangeResponse
		if err := json.Unmarshal(resp.Data, &changes); err != nil {
			log.Warn().Err(err).Msg("Dropping malformed change push")
			return
		}
		c.joinMu.Lock()
		if sub, ok := c.subs.Load(resp.ReplyTo); ok {
			sub.deliver(changes)
			c.joinMu.Unlock()
			return
		}
		if c.subscribing > 0 {
			if c.buffered == nil {
				c.buffered = make(map[uint64][]model.ChangeResponse)
			}
			c.buffered[resp.ReplyTo] = append(c.buffered[resp.ReplyTo], changes)
			c.joinMu.Unlock()
			return
		}
		c.joinMu.Unlock()
		log.Debug().Uint64("subscription", resp.ReplyTo).Msg("Dropping push for unknown subscription")
	default:
		log.Warn().Str("cmd", string(resp.Cmd)).Msg("Dropping unexpected frame")
	}
}

// send issues one request and registers its pending promise.
func (c *ServerConnection) send(cmd wire.Command, payload any) (*future.Promise[json.RawMessage], uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, model.NewValidationError("failed to encode request: " + err.Error())
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, 0, model.NewTransportError("not connected", nil)
	}

	msgID := c.msgSeq.Add(1) - 1
	p := future.NewPromise[json.RawMessage]()
	c.pending.Store(msgID, p)

	frame, err := json.Marshal(wire.Request{Cmd: cmd, MsgId: msgID, Data: data})
	if err != nil {
		c.pending.Delete(msgID)
		return nil, 0, model.NewValidationError("failed to encode request: " + err.Error())
	}
	if err := conn.Send(frame); err != nil {
		c.pending.Delete(msgID)
		return nil, 0, err
	}
	return p, msgID, nil
}

// call issues a request and decodes its reply into T.
func call[T any](c *ServerConnection, cmd wire.Command, payload any) *Future[T] {
	result := future.NewPromise[T]()

	pending, msgID, err := c.send(cmd, payload)
	if err != nil {
		var zero T
		result.Set(zero, err)
		return &Future[T]{inner: result.Future()}
	}

	go func() {
		data, err := pending.Future().Get()
		if err != nil {
			var zero T
			result.Set(zero, err)
			return
		}
		var out T
		if err := json.Unmarshal(data, &out); err != nil {
			result.Set(out, model.NewTransportError("malformed reply", err))
			return
		}
		result.Set(out, nil)
	}()

	return &Future[T]{
		inner:  result.Future(),
		cancel: func() { c.pending.Delete(msgID) },
	}
}

// Version asks for the server's schema version.
func (c *ServerConnection) Version() *Future[int] {
	return call[int](c, wire.CmdVersion, nil)
}

// Create persists a draft record and resolves to its stored state.
func (c *ServerConnection) Create(rec model.Record) *Future[model.Record] {
	return call[model.Record](c, wire.CmdCreate, rec)
}

// Read resolves to the complete current state of one record. With
// includeDeleted set, a soft-deleted record resolves to its last state
// instead of a not_found error.
func (c *ServerConnection) Read(table model.Table, id model.Id, includeDeleted bool) *Future[model.Record] {
	return call[model.Record](c, wire.CmdRead, wire.RecordRef{Table: table, Id: id, IncludeDeleted: includeDeleted})
}

// Update writes the record's present fields, resolving to the new revision.
func (c *ServerConnection) Update(rec model.Record) *Future[model.Revision] {
	return call[model.Revision](c, wire.CmdUpdate, rec)
}

// Delete removes a record, resolving to the delete's revision.
func (c *ServerConnection) Delete(table model.Table, id model.Id) *Future[model.Revision] {
	return call[model.Revision](c, wire.CmdDelete, wire.RecordRef{Table: table, Id: id})
}

// Find resolves to all records matching the query.
func (c *ServerConnection) Find(q model.TableQuery) *Future[[]model.Record] {
	return call[[]model.Record](c, wire.CmdFind, q)
}

// Changes resolves to a one-shot catch-up page of the change log.
func (c *ServerConnection) Changes(q model.ChangeQuery) *Future[model.ChangeResponse] {
	return call[model.ChangeResponse](c, wire.CmdChanges, q)
}
