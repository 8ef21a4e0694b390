// Package gvdiscovery advertises gvnet servers on the local network
// over mDNS, and lets clients browse for them.
package gvdiscovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service type of gvnet servers.
const ServiceType = "_gvnet._udp"

const (
	matchKey     = "match"
	transportKey = "transport"
)

// Server is a server found by [Browse].
type Server struct {
	Instance string
	Addr     netip.AddrPort

	MatchID    uuid.UUID
	Transports []string
}

// AdvertiseConfig is the configuration for [Advertise].
type AdvertiseConfig struct {
	// Instance name shown to browsing clients.
	// Defaults to the host name.
	Instance string

	Port int

	// Addresses to advertise.
	// Defaults to every non-loopback IPv4 address of an up interface.
	IPs []net.IP

	MatchID uuid.UUID

	// Transports offered on Port, such as "quic" or "ws".
	Transports []string
}

// Advertiser answers mDNS queries until its context is canceled.
type Advertiser struct {
	log *slog.Logger

	server *mdns.Server

	done chan struct{}
}

// Advertise starts answering mDNS queries for a gvnet server.
func Advertise(ctx context.Context, log *slog.Logger, cfg AdvertiseConfig) (*Advertiser, error) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}

	instance := cfg.Instance
	if instance == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to determine host name: %w", err)
		}
		instance = h
	}

	ips := cfg.IPs
	if len(ips) == 0 {
		var err error
		ips, err = localIPs()
		if err != nil {
			return nil, fmt.Errorf("failed to get local IPs: %w", err)
		}
		if len(ips) == 0 {
			return nil, errors.New("no non-loopback IPv4 address to advertise")
		}
	}

	service, err := mdns.NewMDNSService(
		instance, ServiceType, "", "", cfg.Port, ips,
		EncodeTXT(cfg.MatchID, cfg.Transports),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS server: %w", err)
	}

	log.Info(
		"Advertising server over mDNS",
		"instance", instance,
		"port", cfg.Port,
		"match", cfg.MatchID,
	)

	a := &Advertiser{
		log:    log,
		server: server,
		done:   make(chan struct{}),
	}
	go a.shutdownOnCancel(ctx)

	return a, nil
}

func (a *Advertiser) shutdownOnCancel(ctx context.Context) {
	defer close(a.done)

	<-ctx.Done()
	if err := a.server.Shutdown(); err != nil {
		a.log.Debug("Error shutting down mDNS server", "err", err)
	}
}

// Wait blocks until the advertiser has shut down.
func (a *Advertiser) Wait() {
	<-a.done
}

// Browse queries the local network once for gvnet servers,
// returning every well-formed answer received before timeout elapses
// or ctx is canceled.
func Browse(ctx context.Context, log *slog.Logger, timeout time.Duration) ([]Server, error) {
	entries := make(chan *mdns.ServiceEntry, 16)

	collected := make(chan []Server, 1)
	go func() {
		var out []Server
		seen := make(map[string]struct{})
		for e := range entries {
			s, err := ServerFromEntry(e)
			if err != nil {
				log.Debug("Ignoring malformed mDNS entry", "name", e.Name, "err", err)
				continue
			}
			if _, ok := seen[e.Name]; ok {
				continue
			}
			seen[e.Name] = struct{}{}
			out = append(out, s)
		}
		collected <- out
	}()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	err := mdns.QueryContext(ctx, params)
	close(entries)
	servers := <-collected

	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return servers, fmt.Errorf("mDNS query failed: %w", err)
	}
	return servers, nil
}

// ServerFromEntry converts an mDNS answer into a Server.
func ServerFromEntry(e *mdns.ServiceEntry) (Server, error) {
	if e.AddrV4 == nil {
		return Server{}, errors.New("entry has no IPv4 address")
	}
	addr, ok := netip.AddrFromSlice(e.AddrV4.To4())
	if !ok {
		return Server{}, fmt.Errorf("invalid IPv4 address %v", e.AddrV4)
	}
	if e.Port <= 0 || e.Port > 65535 {
		return Server{}, fmt.Errorf("invalid port %d", e.Port)
	}

	matchID, transports, err := ParseTXT(e.InfoFields)
	if err != nil {
		return Server{}, err
	}

	instance, _, _ := strings.Cut(e.Name, "."+ServiceType)

	return Server{
		Instance: instance,
		Addr:     netip.AddrPortFrom(addr, uint16(e.Port)),

		MatchID:    matchID,
		Transports: transports,
	}, nil
}

// EncodeTXT returns the TXT fields advertising matchID and transports.
func EncodeTXT(matchID uuid.UUID, transports []string) []string {
	txt := []string{matchKey + "=" + matchID.String()}
	if len(transports) > 0 {
		txt = append(txt, transportKey+"="+strings.Join(transports, ","))
	}
	return txt
}

// ParseTXT is the inverse of [EncodeTXT].
// Unknown keys are ignored.
func ParseTXT(fields []string) (matchID uuid.UUID, transports []string, err error) {
	haveMatch := false
	for _, f := range fields {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch k {
		case matchKey:
			matchID, err = uuid.Parse(v)
			if err != nil {
				return uuid.UUID{}, nil, fmt.Errorf("invalid match id %q: %w", v, err)
			}
			haveMatch = true
		case transportKey:
			if v != "" {
				transports = strings.Split(v, ",")
			}
		}
	}
	if !haveMatch {
		return uuid.UUID{}, nil, errors.New("missing match id")
	}
	return matchID, transports, nil
}

func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
