// Package server accepts client connections, drives their sessions and
// fans committed changes out to live subscriptions. The admin HTTP API
// shares the listen port with the sync protocol through connection
// multiplexing.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"

	"github.com/sportsed/sportsed/engine"
	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/telemetry"
	"github.com/sportsed/sportsed/wire"
)

type Server struct {
	eng      *engine.Engine
	password string
	subs     *Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	listener net.Listener
	mux      cmux.CMux
	httpSrv  *http.Server

	sessions *xsync.MapOf[uint64, *session]
	connSeq  atomic.Uint64
	started  time.Time
	wg       sync.WaitGroup
}

// NewServer wires the engine to a dispatcher; every committed change is
// evaluated against live subscriptions before the mutation returns.
func NewServer(eng *engine.Engine, password string, trace *ChangeTrace) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		eng:      eng,
		password: password,
		subs:     NewDispatcher(trace),
		ctx:      ctx,
		cancel:   cancel,
		sessions: xsync.NewMapOf[uint64, *session](),
	}
	eng.SetChangeHandler(s.subs.Dispatch)
	return s
}

// Start binds the listen address and begins serving. HTTP traffic on the
// same port goes to the admin handler when one is given; everything else
// speaks the sync protocol.
func (s *Server) Start(bindAddress string, port int, admin http.Handler) error {
	listener, err := net.Listen("tcp", net.JoinHostPort(bindAddress, strconv.Itoa(port)))
	if err != nil {
		return model.NewTransportError("failed to bind listen address", err)
	}
	s.listener = listener
	s.started = time.Now()
	s.mux = cmux.New(listener)

	if admin != nil {
		httpListener := s.mux.Match(cmux.HTTP1Fast())
		s.httpSrv = &http.Server{Handler: admin}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpSrv.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Debug().Err(err).Msg("Admin HTTP server stopped")
			}
		}()
	}

	syncListener := s.mux.Match(cmux.Any())
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Msg("Connection mux stopped")
		}
	}()
	go func() {
		defer s.wg.Done()
		s.acceptLoop(syncListener)
	}()

	log.Info().Str("address", listener.Addr().String()).Msg("Server listening")
	return nil
}

// Addr returns the bound listen address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		raw, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) ||
				errors.Is(err, cmux.ErrListenerClosed) ||
				errors.Is(err, cmux.ErrServerClosed) {
				return
			}
			log.Warn().Err(err).Msg("Accept failed")
			continue
		}
		s.startSession(raw)
	}
}

func (s *Server) startSession(raw net.Conn) {
	sess := &session{
		id:       s.connSeq.Add(1),
		srv:      s,
		conn:     wire.NewConn(raw),
		outbound: make(chan []byte, outboundQueueSize),
		quit:     make(chan struct{}),
	}
	s.sessions.Store(sess.id, sess)
	s.subs.Register(sess.id, sess.push)
	telemetry.ConnectionsTotal.Inc()
	log.Debug().Uint64("conn", sess.id).Str("peer", sess.conn.PeerHost()).Msg("Connection accepted")

	s.wg.Add(1)
	go sess.run()
}

// Stop closes the listener and every session and waits for them to drain.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	if s.httpSrv != nil {
		s.httpSrv.Close()
	}
	s.sessions.Range(func(_ uint64, sess *session) bool {
		sess.conn.Close()
		return true
	})
	s.wg.Wait()
	log.Info().Msg("Server stopped")
}

// ConnectionCount returns the number of live sessions.
func (s *Server) ConnectionCount() int {
	return s.sessions.Size()
}

// SubscriptionCount returns the number of live subscriptions.
func (s *Server) SubscriptionCount() int {
	return s.subs.Count()
}

// LastRevision returns the change log tip.
func (s *Server) LastRevision() (model.Revision, error) {
	return s.eng.LastRevision(s.ctx)
}

// Uptime since Start.
func (s *Server) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Subscriptions snapshots the live subscriptions for the admin API.
func (s *Server) Subscriptions() []SubscriptionStat {
	return s.subs.Stats()
}

// Clients lists the connected clients through the client table.
func (s *Server) Clients() ([]model.Record, error) {
	return s.eng.Find(s.ctx, model.NewTableQuery(model.TableClient))
}
