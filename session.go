package gvnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/grumpy-visitors/gvnet/gvbroadcast"
	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvframe"
	"github.com/grumpy-visitors/gvnet/gvmsg"
)

// Action is an action update filed at its target frame.
type Action struct {
	// Originating connection. Unset for local actions.
	Conn  gvconn.NetID
	Local bool

	Update gvmsg.ActionUpdate
}

// Frame is the input to one simulation step.
type Frame struct {
	Number uint64

	// Action updates targeting this frame, in arrival order.
	Actions []Action

	// Client only: world-state updates the server produced for this frame.
	World [][]byte

	// Client only: set when the server reported, since the previous step,
	// that the client fell too far behind and must resynchronize
	// from a full-state snapshot.
	Resync bool
}

// StepFunc advances the simulation by one frame.
// On the server, its return value is the frame's world-state output,
// which is retained and broadcast to clients.
// Clients' return values are ignored.
type StepFunc func(Frame) [][]byte

// Session runs the per-tick networking order for one server or client.
type Session struct {
	log *slog.Logger

	role Role
	step StepFunc

	tickRate int

	manager *gvconn.Manager
	coord   *gvbroadcast.Coordinator

	actions *gvframe.Buffer[Action]

	// Server: retained world output, for catch-up broadcasts.
	history *gvframe.Buffer[[]byte]

	// Client: world updates received from the server, by frame.
	world  *gvframe.Buffer[[]byte]
	server gvconn.NetID
	ids    gvbroadcast.IDProvider
	rel    gvconn.Reliability
	resync bool

	// Records dropped during the current tick,
	// whose final messages are still being routed.
	dropping map[gvconn.NetID]*gvconn.Record

	// Messages that gameplay handles itself.
	inbound []gvconn.Inbound

	matchID uuid.UUID
}

// NewSession returns a Session configured by cfg.
// It panics if cfg is invalid.
func NewSession(log *slog.Logger, cfg SessionConfig) *Session {
	cfg.validate()

	window := cfg.Window
	if window == 0 {
		window = DefaultWindow
	}
	tickRate := cfg.TickRate
	if tickRate == 0 {
		tickRate = DefaultTickRate
	}

	s := &Session{
		role: cfg.Role,
		step: cfg.Step,

		tickRate: tickRate,

		actions: gvframe.New[Action](cfg.StartFrame, window),

		rel: cfg.ActionReliability,

		dropping: make(map[gvconn.NetID]*gvconn.Record),
	}

	mcfg := cfg.Manager
	mcfg.OnDropped = s.dropped

	switch cfg.Role {
	case RoleServer:
		s.matchID = cfg.MatchID
		if s.matchID == uuid.Nil {
			s.matchID = uuid.New()
		}
		s.log = log.With("role", cfg.Role.String(), "match", s.matchID)

		historyWindow := cfg.HistoryWindow
		if historyWindow == 0 {
			historyWindow = DefaultHistoryWindow
		}
		s.history = gvframe.New[[]byte](cfg.StartFrame, historyWindow)

		mcfg.NewConns = cfg.Acceptor.Conns()
		s.manager = gvconn.NewManager(s.log.With("sys", "conn"), mcfg)
		s.coord = gvbroadcast.NewCoordinator(s.log.With("sys", "broadcast"), gvbroadcast.CoordinatorConfig{
			Sender:      s.manager,
			ParityRatio: cfg.ParityRatio,
		})

	case RoleClient:
		s.log = log.With("role", cfg.Role.String())
		s.world = gvframe.New[[]byte](cfg.StartFrame, window)

		s.manager = gvconn.NewManager(s.log.With("sys", "conn"), mcfg)
		s.server = cfg.Server.ID()
		s.manager.Add(cfg.Server, time.Now())
	}

	s.log.Info(
		"Session created",
		"start_frame", cfg.StartFrame,
		"window", window,
		"tick_rate", tickRate,
	)

	return s
}

func (s *Session) dropped(rec *gvconn.Record) {
	s.dropping[rec.ID] = rec
	if s.role == RoleClient && rec.ID == s.server {
		s.log.Warn("Lost connection to server", "conn", rec.ID)
	}
}

// record returns the live or just-dropped record for id.
func (s *Session) record(id gvconn.NetID) (*gvconn.Record, bool) {
	if rec, ok := s.manager.Record(id); ok {
		return rec, true
	}
	rec, ok := s.dropping[id]
	return rec, ok
}

// MatchID returns the server's match identifier,
// or the zero UUID for a client.
func (s *Session) MatchID() uuid.UUID {
	return s.matchID
}

// CurrentFrame returns the number of the next frame to be simulated.
func (s *Session) CurrentFrame() uint64 {
	return s.actions.CurrentFrameNumber()
}

// Tick runs one frame:
// connection processing, routing of inbound updates,
// the simulation step, and on the server, retention and broadcast of world output.
func (s *Session) Tick(now time.Time) {
	current := s.actions.CurrentFrameNumber()

	s.manager.Tick(now, current)

	for _, in := range s.manager.DrainInbound() {
		s.route(in)
	}
	for id := range s.dropping {
		if s.coord != nil {
			s.coord.Forget(id)
		}
		delete(s.dropping, id)
	}

	batch := s.actions.Advance()
	f := Frame{
		Number:  batch.FrameNumber,
		Actions: batch.Updates,
	}
	if s.role == RoleClient {
		f.World = s.world.Advance().Updates
		f.Resync = s.resync
		s.resync = false
	}

	out := s.step(f)

	if s.role == RoleServer {
		s.retain(f.Number, out)
		s.coord.Broadcast(s.manager.Records(), f.Number, s.history)
	}
}

func (s *Session) route(in gvconn.Inbound) {
	switch msg := in.Msg.(type) {
	case gvmsg.ActionUpdate:
		if s.role != RoleServer {
			s.inbound = append(s.inbound, in)
			return
		}

		rec, ok := s.record(in.Conn)
		if !ok {
			panic(fmt.Errorf("BUG: inbound action update from unknown connection %d", in.Conn))
		}

		// Out of window is checked before deduplication,
		// so that a retransmission arriving once the frame fits is still accepted.
		if msg.Frame > s.actions.Newest() {
			s.log.Debug(
				"Dropping action update outside the frame window",
				"conn", in.Conn,
				"id", msg.ID,
				"frame", msg.Frame,
				"newest", s.actions.Newest(),
			)
			return
		}

		if !s.coord.Accept(rec, msg.ID) {
			s.log.Debug("Ignoring duplicate action update", "conn", in.Conn, "id", msg.ID)
			return
		}

		if err := s.actions.Insert(msg.Frame, Action{Conn: in.Conn, Update: msg}); err != nil {
			// Checked above.
			panic(errors.Join(errors.New("BUG: in-window action update was rejected"), err))
		}

	case gvmsg.WorldUpdate:
		if s.role != RoleClient {
			s.inbound = append(s.inbound, in)
			return
		}

		if msg.Snapshot {
			s.resync = true
			if len(msg.Frames) > 0 {
				s.jumpTo(msg.Frames[0].Frame)
			}
		}
		for _, fb := range msg.Frames {
			for _, u := range fb.Updates {
				if err := s.world.Insert(fb.Frame, u); err != nil {
					s.log.Debug(
						"Dropping world update outside the frame window",
						"frame", fb.Frame,
						"err", err,
					)
					break
				}
			}
		}

	default:
		s.inbound = append(s.inbound, in)
	}
}

// jumpTo moves a client forward so that frame is the next one simulated.
// Buffered updates for skipped frames are discarded.
// A frame at or behind the current one is a no-op.
func (s *Session) jumpTo(frame uint64) {
	current := s.actions.CurrentFrameNumber()
	if frame <= current {
		return
	}

	s.actions.AdvanceTo(frame + uint64(s.actions.Window()) - 1)
	s.world.AdvanceTo(frame + uint64(s.world.Window()) - 1)

	s.log.Info("Jumped to server frame", "from", current, "to", frame)
}

// retain stores the world output of frame in the broadcast history.
func (s *Session) retain(frame uint64, out [][]byte) {
	s.history.AdvanceTo(frame)
	for _, u := range out {
		if err := s.history.Insert(frame, u); err != nil {
			panic(errors.Join(errors.New("BUG: world output for the current frame did not fit history"), err))
		}
	}
}

// DrainInbound returns the received messages that the session does not route itself,
// such as chat, in arrival order.
func (s *Session) DrainInbound() []gvconn.Inbound {
	out := s.inbound
	s.inbound = nil
	return out
}

// ScheduleAction files a local action update for frame
// and sends it to the server.
// It returns the id assigned to the update.
//
// If frame is beyond the action window,
// ScheduleAction returns a [gvframe.OutOfWindowError] and assigns no id.
// A lost server connection is not an error.
func (s *Session) ScheduleAction(frame uint64, payload []byte) (uint64, error) {
	if s.role != RoleClient {
		return 0, ErrNotClient
	}

	if frame > s.actions.Newest() {
		return 0, gvframe.OutOfWindowError{
			Frame:  frame,
			Offset: s.actions.CurrentFrameNumber(),
			Window: s.actions.Window(),
		}
	}

	u := gvmsg.ActionUpdate{
		ID:      s.ids.Next(),
		Frame:   frame,
		Payload: payload,
	}

	if err := s.actions.Insert(frame, Action{Local: true, Update: u}); err != nil {
		// Checked above.
		panic(errors.Join(errors.New("BUG: in-window action was rejected"), err))
	}

	if err := s.manager.Send(s.server, u, s.rel); err != nil {
		if !errors.Is(err, gvconn.ErrConnectionGone) {
			s.log.Debug("Failed to send action update", "id", u.ID, "err", err)
		}
	}

	return u.ID, nil
}

// Send encodes msg and enqueues it for the connection id.
// Sending to a dropped connection returns [gvconn.ErrConnectionGone].
func (s *Session) Send(id gvconn.NetID, msg gvmsg.Message, rel gvconn.Reliability) error {
	return s.manager.Send(id, msg, rel)
}

// Lag returns diagnostic statistics for every live connection.
func (s *Session) Lag() []gvconn.ConnectionStats {
	return s.manager.Lag()
}

// Run calls [*Session.Tick] at the configured tick rate until ctx is canceled,
// then closes every connection and returns the context's cause.
func (s *Session) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second / time.Duration(s.tickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(
				"Stopping session due to context cancellation",
				"cause", context.Cause(ctx),
				"frame", s.actions.CurrentFrameNumber(),
			)
			s.manager.CloseAll("shutting down")
			return context.Cause(ctx)

		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}
