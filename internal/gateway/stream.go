package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/basket/vx11/internal/apierr"
	"github.com/basket/vx11/internal/bus"
	"github.com/basket/vx11/internal/persistence"
)

const streamWriteTimeout = 5 * time.Second

// handleStream implements GET /intents/{correlation_id}/stream. It upgrades
// to a websocket, replays the timeline recorded so far and then pushes each
// new audit event of the correlation id until the plan ends or the client
// goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "correlation_id")
	if _, err := s.Status(r.Context(), cid); err != nil {
		apierr.Write(w, err, cid)
		return
	}

	// Subscribe before the replay so nothing committed in between is lost.
	var events <-chan bus.Event
	if s.bus != nil {
		sub := s.bus.SubscribeBuffered(bus.TopicAuditAppended, 256)
		defer s.bus.Unsubscribe(sub)
		events = sub.Ch()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("stream: websocket accept failed", "correlation_id", cid, "error", err)
		return
	}
	defer conn.CloseNow()
	s.logger.Debug("stream: client connected", "correlation_id", cid)

	// The client never sends anything; CloseRead handles control frames and
	// cancels ctx when the peer disconnects.
	ctx := conn.CloseRead(r.Context())

	var lastSeq int64
	send := func(ev persistence.AuditEvent) (bool, error) {
		if ev.Seq <= lastSeq {
			return false, nil
		}
		lastSeq = ev.Seq
		wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		defer cancel()
		if err := wsjson.Write(wctx, conn, ev); err != nil {
			return false, err
		}
		return endsTimeline(ev), nil
	}
	catchUp := func() (bool, error) {
		evs, err := s.store.ListAuditByCorrelation(ctx, cid, lastSeq, 0)
		if err != nil {
			return false, err
		}
		for _, ev := range evs {
			done, err := send(ev)
			if err != nil || done {
				return done, err
			}
		}
		return false, nil
	}

	if done, err := catchUp(); err != nil || done {
		s.closeStream(conn, cid, err)
		return
	}

	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()
	for {
		var (
			done bool
			err  error
		)
		select {
		case <-ctx.Done():
			s.logger.Debug("stream: client disconnected", "correlation_id", cid)
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// The store stays the source of truth; the bus only says when to look.
			if ae, isAudit := ev.Payload.(persistence.AuditEvent); isAudit && ae.CorrelationID == cid {
				done, err = catchUp()
			}
		case <-ticker.C:
			done, err = catchUp()
		}
		if err != nil || done {
			s.closeStream(conn, cid, err)
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, cid string, err error) {
	if err != nil {
		s.logger.Debug("stream: closing on error", "correlation_id", cid, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "timeline complete")
}

// endsTimeline reports whether ev is the last event a correlation id will
// see: a terminal plan transition or a rejection.
func endsTimeline(ev persistence.AuditEvent) bool {
	switch ev.Kind {
	case persistence.AuditIntentRejected:
		return true
	case persistence.AuditPlanTransition:
		return persistence.PlanState(ev.AfterState).Terminal()
	}
	return false
}
