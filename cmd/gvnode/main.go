// Command gvnode runs a gvnet server or client.
//
// The server accepts QUIC clients on -addr,
// and optionally WebSocket clients on -ws-addr,
// and advertises itself over mDNS with -advertise.
// The client connects to -addr, or with -discover,
// to the first server found on the local network.
//
// The bundled simulation is a stand-in for real gameplay:
// the server echoes every action payload as that frame's world state,
// and the client logs what it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grumpy-visitors/gvnet"
	"github.com/grumpy-visitors/gvnet/gvconn"
	"github.com/grumpy-visitors/gvnet/gvdiscovery"
	"github.com/grumpy-visitors/gvnet/gvpubsub"
	"github.com/grumpy-visitors/gvnet/gvquic"
	"github.com/grumpy-visitors/gvnet/gvws"
	"github.com/quic-go/quic-go"
)

type flags struct {
	role      string
	addr      string
	wsAddr    string
	tickRate  int
	logLevel  string
	advertise bool
	discover  bool
}

// validate reports the first invalid flag value,
// and returns the parsed log level otherwise.
func (f flags) validate() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return 0, fmt.Errorf("invalid -log-level %q: %w", f.logLevel, err)
	}

	if f.role != "server" && f.role != "client" {
		return 0, fmt.Errorf("invalid -role %q: must be server or client", f.role)
	}

	if f.tickRate <= 0 {
		return 0, fmt.Errorf("invalid -tick-rate %d: must be positive", f.tickRate)
	}

	return level, nil
}

func main() {
	var f flags
	flag.StringVar(&f.role, "role", "server", "server or client")
	flag.StringVar(&f.addr, "addr", "127.0.0.1:3455", "QUIC address to listen on (server) or connect to (client)")
	flag.StringVar(&f.wsAddr, "ws-addr", "", "server: also accept WebSocket clients on this address; client: connect over WebSocket to this address instead of QUIC")
	flag.IntVar(&f.tickRate, "tick-rate", gvnet.DefaultTickRate, "simulation ticks per second")
	flag.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.BoolVar(&f.advertise, "advertise", false, "server: advertise over mDNS")
	flag.BoolVar(&f.discover, "discover", false, "client: find the server over mDNS instead of using -addr")
	flag.Parse()

	level, err := f.validate()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if f.role == "server" {
		err = runServer(ctx, log, f)
	} else {
		err = runClient(ctx, log, f)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Exiting with error", "err", err)
		os.Exit(1)
	}
}

// QUIC connections are numbered from 1;
// WebSocket connections are numbered above this.
const wsIDBase gvconn.NetID = 1 << 32

func runServer(ctx context.Context, log *slog.Logger, f flags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	udpAddr, err := net.ResolveUDPAddr("udp", f.addr)
	if err != nil {
		return fmt.Errorf("invalid -addr: %w", err)
	}
	uc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", udpAddr, err)
	}
	defer uc.Close()

	// Room for a full tick of datagrams from a full lobby.
	if err := uc.SetReadBuffer(14_500 * 16); err != nil {
		log.Warn("Failed to set UDP receive buffer size", "err", err)
	}

	cert, err := gvquic.GenerateSelfSigned([]string{udpAddr.IP.String(), "localhost"}, 0)
	if err != nil {
		return err
	}

	l, err := gvquic.NewListener(ctx, log.With("sys", "quic"), gvquic.ListenerConfig{
		UDPConn: uc,
		TLS:     gvquic.ServerTLSConfig(cert),
	})
	if err != nil {
		return err
	}
	defer func() { cancel(); l.Wait() }()

	acceptor := gvconn.Acceptor(l)

	if f.wsAddr != "" {
		h := gvws.NewHandler(ctx, log.With("sys", "ws"), gvws.HandlerConfig{
			IDBase: wsIDBase,
		})
		acceptor = mergedAcceptor{
			conns: gvpubsub.Merge(ctx, l.Conns(), h.Conns()),
		}

		srv := &http.Server{
			Addr:              f.wsAddr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("WebSocket server stopped", "err", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	s := gvnet.NewSession(log, gvnet.SessionConfig{
		Role:     gvnet.RoleServer,
		Acceptor: acceptor,
		Step:     echoStep,
		TickRate: f.tickRate,
	})

	if f.advertise {
		transports := []string{"quic"}
		if f.wsAddr != "" {
			transports = append(transports, "ws")
		}
		a, err := gvdiscovery.Advertise(ctx, log.With("sys", "mdns"), gvdiscovery.AdvertiseConfig{
			Port:       l.Addr().(*net.UDPAddr).Port,
			MatchID:    s.MatchID(),
			Transports: transports,
		})
		if err != nil {
			return err
		}
		defer func() { cancel(); a.Wait() }()
	}

	log.Info("Server listening", "addr", l.Addr())
	return s.Run(ctx)
}

// mergedAcceptor offers connections from every transport the server listens on.
type mergedAcceptor struct {
	conns *gvpubsub.Stream[gvconn.Conn]
}

func (a mergedAcceptor) Conns() *gvpubsub.Stream[gvconn.Conn] { return a.conns }

// echoStep outputs every action payload of the frame as world state.
func echoStep(f gvnet.Frame) [][]byte {
	if len(f.Actions) == 0 {
		return nil
	}
	out := make([][]byte, len(f.Actions))
	for i, a := range f.Actions {
		out[i] = a.Update.Payload
	}
	return out
}

func runClient(ctx context.Context, log *slog.Logger, f flags) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	addr := f.addr
	if f.discover {
		servers, err := gvdiscovery.Browse(ctx, log.With("sys", "mdns"), 3*time.Second)
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			return errors.New("no server found over mDNS")
		}
		log.Info("Discovered server", "instance", servers[0].Instance, "match", servers[0].MatchID)
		addr = servers[0].Addr.String()
	}

	var server gvconn.Conn
	if f.wsAddr != "" {
		c, err := gvws.Dial(ctx, log.With("sys", "ws"), "ws://"+f.wsAddr+"/")
		if err != nil {
			return err
		}
		defer func() { cancel(); c.Wait() }()
		server = c
	} else {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("invalid server address: %w", err)
		}
		uc, err := net.ListenUDP("udp", nil)
		if err != nil {
			return fmt.Errorf("failed to open UDP socket: %w", err)
		}
		defer uc.Close()

		tr := &quic.Transport{Conn: uc}
		defer tr.Close()

		log.Warn("Skipping server certificate verification")
		d := &gvquic.Dialer{
			Log:       log.With("sys", "quic"),
			Transport: tr,
			TLS:       gvquic.ClientTLSConfig(),
		}

		// The connection lives as long as ctx;
		// the handshake itself is bounded by the QUIC handshake timeout.
		c, err := d.Dial(ctx, udpAddr)
		if err != nil {
			return err
		}
		defer func() { cancel(); c.Wait() }()
		server = c
	}

	var s *gvnet.Session
	s = gvnet.NewSession(log, gvnet.SessionConfig{
		Role:     gvnet.RoleClient,
		Server:   server,
		TickRate: f.tickRate,
		Step: func(fr gvnet.Frame) [][]byte {
			if fr.Resync {
				log.Info("Server requested resynchronization", "frame", fr.Number)
			}
			for _, w := range fr.World {
				log.Info("World update", "frame", fr.Number, "data", string(w))
			}
			// Send a heartbeat action once a second.
			if fr.Number%uint64(f.tickRate) == 0 {
				if _, err := s.ScheduleAction(fr.Number+2, fmt.Appendf(nil, "hello at %d", fr.Number)); err != nil {
					log.Warn("Failed to schedule action", "err", err)
				}
			}
			return nil
		},
	})

	return s.Run(ctx)
}
