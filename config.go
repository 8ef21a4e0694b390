package gvnet

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/grumpy-visitors/gvnet/gvconn"
)

// Role selects whether a [Session] is authoritative.
type Role uint8

const (
	// Keep zero reserved so a forgotten role fails validation.

	// RoleServer accepts clients, deduplicates their action updates,
	// and broadcasts world state.
	RoleServer Role = 1

	// RoleClient predicts locally and sends action updates to one server.
	RoleClient Role = 2
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// Defaults applied to zero fields of a [SessionConfig].
const (
	DefaultTickRate      = 60
	DefaultWindow        = 128
	DefaultHistoryWindow = 64
)

// SessionConfig is the configuration for a [Session].
type SessionConfig struct {
	Role Role

	// Called once per tick with the frame being simulated.
	// On the server, the returned updates are that frame's world-state output.
	Step StepFunc

	// Server only: source of client connections.
	Acceptor gvconn.Acceptor

	// Client only: the connection to the server.
	Server gvconn.Conn

	// Frame number of the first simulated frame.
	StartFrame uint64

	// Number of future frames that action updates may target.
	// Defaults to [DefaultWindow].
	Window int

	// Server only: number of past frames of world output retained
	// for catching up clients.
	// Defaults to [DefaultHistoryWindow].
	HistoryWindow int

	// Ticks per second for [*Session.Run].
	// Defaults to [DefaultTickRate].
	TickRate int

	// Connection manager settings.
	// NewConns and OnDropped are set by the Session and must be left empty.
	Manager gvconn.ManagerConfig

	// Server only: parity added to sharded world updates.
	// Zero uses the coordinator's default.
	ParityRatio float32

	// Client only: delivery used for outgoing action updates.
	// The zero value is [gvconn.Unreliable];
	// the server deduplicates by id, so callers may resend freely.
	ActionReliability gvconn.Reliability

	// Server only: identifies this match in logs and discovery.
	// A zero value is replaced with a random id.
	MatchID uuid.UUID
}

// validate panics if there are any illegal settings in the configuration.
func (c SessionConfig) validate() {
	var panicErrs error

	switch c.Role {
	case RoleServer:
		if c.Acceptor == nil {
			panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Acceptor must be set for a server"))
		}
		if c.Server != nil {
			panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Server must not be set for a server"))
		}
	case RoleClient:
		if c.Server == nil {
			panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Server must be set for a client"))
		}
		if c.Acceptor != nil {
			panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Acceptor must not be set for a client"))
		}
	default:
		panicErrs = errors.Join(panicErrs, UnknownRoleError{Role: c.Role})
	}

	if c.Step == nil {
		panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Step must not be nil"))
	}

	if c.Window < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf("SessionConfig.Window must not be negative (got %d)", c.Window))
	}
	if c.HistoryWindow < 0 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf("SessionConfig.HistoryWindow must not be negative (got %d)", c.HistoryWindow))
	}
	if c.TickRate < 0 || c.TickRate > 1000 {
		panicErrs = errors.Join(panicErrs, fmt.Errorf("SessionConfig.TickRate must be within [0, 1000] (got %d)", c.TickRate))
	}

	if c.Manager.NewConns != nil {
		panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Manager.NewConns is set by the Session; leave it nil"))
	}
	if c.Manager.OnDropped != nil {
		panicErrs = errors.Join(panicErrs, errors.New("SessionConfig.Manager.OnDropped is set by the Session; leave it nil"))
	}

	if panicErrs != nil {
		panic(panicErrs)
	}
}
