package server

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sportsed/sportsed/engine"
	"github.com/sportsed/sportsed/model"
	"github.com/sportsed/sportsed/telemetry"
	"github.com/sportsed/sportsed/wire"
)

// outboundQueueSize bounds the frames queued toward one client. A peer
// that stops reading fills its queue and gets disconnected instead of
// stalling the goroutines that produce frames for it.
const outboundQueueSize = 256

// session is one client connection. Requests are processed in receipt
// order on the connection's read loop; pushed changes arrive from the
// dispatcher on mutator goroutines. All frames leave through a single
// bounded queue drained by the session's write loop, which keeps queue
// order on the wire and keeps producers from ever blocking on the socket.
type session struct {
	id   uint64
	srv  *Server
	conn *wire.Conn

	authed   atomic.Bool
	clientID model.Id

	outbound chan []byte
	quit     chan struct{}
}

func (s *session) run() {
	defer s.srv.wg.Done()

	s.srv.wg.Add(1)
	go s.writeLoop()

	err := s.conn.ReadLoop(s.handle)
	if err != nil {
		log.Warn().Err(err).Uint64("conn", s.id).Msg("Connection failed")
	} else {
		log.Debug().Uint64("conn", s.id).Msg("Connection closed")
	}
	s.teardown()
}

// handle processes one inbound frame. Unparseable frames are dropped, the
// connection survives.
func (s *session) handle(raw []byte) {
	telemetry.FramesTotal.With("received").Inc()
	telemetry.FrameBytes.With("received").Observe(float64(len(raw)))

	var req wire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		telemetry.MalformedFramesTotal.Inc()
		log.Warn().Err(err).Uint64("conn", s.id).Msg("Dropping malformed frame")
		return
	}
	if !req.Cmd.Known() {
		s.replyError(req.MsgId, model.NewValidationError("unknown command "+string(req.Cmd)))
		return
	}

	start := time.Now()
	data, err := s.dispatch(req)
	telemetry.CommandSeconds.With(string(req.Cmd)).Observe(time.Since(start).Seconds())

	if err != nil {
		telemetry.CommandsTotal.With(string(req.Cmd), "error").Inc()
		s.replyError(req.MsgId, err)
		return
	}
	telemetry.CommandsTotal.With(string(req.Cmd), "ok").Inc()
	s.reply(req.MsgId, data)
}

func (s *session) dispatch(req wire.Request) (any, error) {
	ctx := s.srv.ctx

	switch req.Cmd {
	case wire.CmdVersion:
		return engine.SchemaVersion, nil
	case wire.CmdAuthenticate:
		return s.authenticate(ctx, req.Data)
	}

	if !s.authed.Load() {
		return nil, model.NewAuthorizationError("not authenticated")
	}

	switch req.Cmd {
	case wire.CmdCreate:
		var rec model.Record
		if err := json.Unmarshal(req.Data, &rec); err != nil {
			return nil, model.NewValidationError("malformed record: " + err.Error())
		}
		return s.srv.eng.Create(ctx, rec)

	case wire.CmdRead:
		var ref wire.RecordRef
		if err := json.Unmarshal(req.Data, &ref); err != nil {
			return nil, model.NewValidationError("malformed record reference: " + err.Error())
		}
		return s.srv.eng.Read(ctx, ref.Table, ref.Id, ref.IncludeDeleted)

	case wire.CmdUpdate:
		var rec model.Record
		if err := json.Unmarshal(req.Data, &rec); err != nil {
			return nil, model.NewValidationError("malformed record: " + err.Error())
		}
		updated, err := s.srv.eng.Update(ctx, rec)
		if err != nil {
			return nil, err
		}
		return updated.LatestRevision, nil

	case wire.CmdDelete:
		var ref wire.RecordRef
		if err := json.Unmarshal(req.Data, &ref); err != nil {
			return nil, model.NewValidationError("malformed record reference: " + err.Error())
		}
		return s.srv.eng.Delete(ctx, ref.Table, ref.Id)

	case wire.CmdFind:
		var q model.TableQuery
		if err := json.Unmarshal(req.Data, &q); err != nil {
			return nil, model.NewValidationError("malformed query: " + err.Error())
		}
		records, err := s.srv.eng.Find(ctx, q)
		if err != nil {
			return nil, err
		}
		if records == nil {
			records = []model.Record{}
		}
		return records, nil

	case wire.CmdChanges:
		var q model.ChangeQuery
		if err := json.Unmarshal(req.Data, &q); err != nil {
			return nil, model.NewValidationError("malformed change query: " + err.Error())
		}
		return s.srv.eng.Changes(ctx, q)

	case wire.CmdSubscribe:
		var q model.ChangeQuery
		if err := json.Unmarshal(req.Data, &q); err != nil {
			return nil, model.NewValidationError("malformed change query: " + err.Error())
		}
		return s.subscribe(ctx, q)

	case wire.CmdUnsubscribe:
		var unsub wire.UnsubscribeRequest
		if err := json.Unmarshal(req.Data, &unsub); err != nil {
			return nil, model.NewValidationError("malformed unsubscribe request: " + err.Error())
		}
		return s.unsubscribe(unsub)
	}
	return nil, model.NewValidationError("unknown command " + string(req.Cmd))
}

// authenticate checks the shared secret. Success registers a Client record
// so connected clients are visible through the client table; a wrong
// password replies false rather than erroring.
func (s *session) authenticate(ctx context.Context, data json.RawMessage) (any, error) {
	var auth wire.AuthRequest
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, model.NewValidationError("malformed credentials: " + err.Error())
	}
	if auth.Pwd != s.srv.password {
		telemetry.AuthFailuresTotal.Inc()
		log.Warn().Uint64("conn", s.id).Str("name", auth.Name).Msg("Authentication rejected")
		return false, nil
	}
	if s.authed.Load() {
		return true, nil
	}

	client, err := s.srv.eng.Create(ctx, model.NewRecord(model.TableClient, map[string]any{
		"name": auth.Name,
		"ip":   s.conn.PeerHost(),
	}))
	if err != nil {
		return nil, err
	}
	s.clientID = client.Id
	s.authed.Store(true)
	log.Info().Uint64("conn", s.id).Str("name", auth.Name).Msg("Client authenticated")
	return true, nil
}

// subscribe takes the catch-up snapshot and registers the subscription in
// one synchronized step, so no change can fall between them.
func (s *session) subscribe(ctx context.Context, q model.ChangeQuery) (any, error) {
	var reply wire.SubscribeReply
	err := s.srv.eng.Synchronized(func() error {
		snapshot, err := s.srv.eng.Changes(ctx, q)
		if err != nil {
			return err
		}
		reply = wire.SubscribeReply{
			Subscription: s.srv.subs.Subscribe(s.id, q),
			Changes:      snapshot,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

func (s *session) unsubscribe(unsub wire.UnsubscribeRequest) (any, error) {
	var removed []uint64
	_ = s.srv.eng.Synchronized(func() error {
		if unsub.ById {
			removed = s.srv.subs.UnsubscribeID(s.id, unsub.Id)
		} else {
			removed = s.srv.subs.UnsubscribeQuery(s.id, unsub.Query)
		}
		return nil
	})
	return removed, nil
}

// push delivers one change notification for a subscription.
func (s *session) push(subID uint64, resp model.ChangeResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Uint64("conn", s.id).Msg("Failed to encode change push")
		return
	}
	s.send(wire.Response{Cmd: wire.CmdChanges, ReplyTo: subID, Data: data})
}

func (s *session) reply(msgID uint64, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.replyError(msgID, model.NewStorageError("failed to encode reply", err))
		return
	}
	s.send(wire.Response{Cmd: wire.CmdReply, ReplyTo: msgID, Data: payload})
}

func (s *session) replyError(msgID uint64, cause error) {
	message, _ := json.Marshal(cause.Error())
	s.send(wire.Response{
		Cmd:     wire.CmdError,
		ReplyTo: msgID,
		Kind:    string(model.KindOf(cause)),
		Data:    message,
	})
}

// send queues one frame for the write loop. A full queue means the peer
// has stopped draining its socket; the connection is closed so the rest of
// the server keeps moving.
func (s *session) send(resp wire.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Uint64("conn", s.id).Msg("Failed to encode frame")
		return
	}
	select {
	case s.outbound <- frame:
	default:
		log.Warn().Uint64("conn", s.id).Msg("Outbound queue full, dropping connection")
		s.conn.Close()
	}
}

func (s *session) writeLoop() {
	defer s.srv.wg.Done()
	for {
		select {
		case frame := <-s.outbound:
			if err := s.conn.Send(frame); err != nil {
				log.Warn().Err(err).Uint64("conn", s.id).Msg("Failed to send frame")
				s.conn.Close()
				return
			}
			telemetry.FramesTotal.With("sent").Inc()
			telemetry.FrameBytes.With("sent").Observe(float64(len(frame)))
		case <-s.quit:
			return
		}
	}
}

// teardown removes the session's subscriptions before anything else so a
// closed connection never receives another push, then retires its client
// record.
func (s *session) teardown() {
	_ = s.srv.eng.Synchronized(func() error {
		s.srv.subs.Drop(s.id)
		return nil
	})
	if s.clientID != 0 {
		if _, err := s.srv.eng.Delete(s.srv.ctx, model.TableClient, s.clientID); err != nil {
			log.Warn().Err(err).Uint64("conn", s.id).Msg("Failed to retire client record")
		}
	}
	s.srv.sessions.Delete(s.id)
	s.conn.Close()
	close(s.quit)
}
