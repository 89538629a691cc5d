package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup          = "226.226.226.226:2266"
	DefaultAnnouncePeriod = time.Second
	DefaultTTL            = 1
)

// Announcer re-sends one announcement to a multicast group every period.
type Announcer struct {
	logger *zap.Logger
	clock  clockwork.Clock
	conn   *ipv4.PacketConn
	group  *net.UDPAddr
	data   []byte
	period time.Duration
}

type AnnouncerOption func(*Announcer)

// WithAnnounceClock drives the announcement period from clock.
func WithAnnounceClock(clock clockwork.Clock) AnnouncerOption {
	return func(a *Announcer) { a.clock = clock }
}

// NewAnnouncer opens the sending socket. Loopback delivery is enabled so
// listeners on the same host see the announcement.
func NewAnnouncer(group string, a Announcement, period time.Duration, logger *zap.Logger, opts ...AnnouncerOption) (*Announcer, error) {
	data := a.Encode()
	if len(data) > MaxDatagramSize {
		return nil, fmt.Errorf("announcement exceeds %d bytes", MaxDatagramSize)
	}
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %q: %w", group, err)
	}
	c, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(c)
	if err := pc.SetMulticastLoopback(true); err != nil {
		c.Close()
		return nil, fmt.Errorf("enable multicast loopback: %w", err)
	}
	if err := pc.SetMulticastTTL(DefaultTTL); err != nil {
		c.Close()
		return nil, fmt.Errorf("set multicast ttl: %w", err)
	}
	if period <= 0 {
		period = DefaultAnnouncePeriod
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	announcer := &Announcer{
		logger: logger.Named("announcer").With(zap.Stringer("announcement", a)),
		clock:  clockwork.NewRealClock(),
		conn:   pc,
		group:  addr,
		data:   data,
		period: period,
	}
	for _, opt := range opts {
		opt(announcer)
	}
	return announcer, nil
}

// Run sends immediately and then once per period until ctx ends. Send
// errors are logged and the loop continues.
func (a *Announcer) Run(ctx context.Context) error {
	defer a.conn.Close()

	ticker := a.clock.NewTicker(a.period)
	defer ticker.Stop()
	for {
		if _, err := a.conn.WriteTo(a.data, nil, a.group); err != nil {
			a.logger.Warn("announce failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// Listener receives announcements and records them in a Registry.
type Listener struct {
	logger   *zap.Logger
	conn     *net.UDPConn
	registry *Registry
}

// NewListener joins the multicast group on the default interface.
func NewListener(group string, registry *Registry, logger *zap.Logger) (*Listener, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("resolve group %q: %w", group, err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("join group %s: %w", group, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{logger: logger.Named("listener"), conn: conn, registry: registry}, nil
}

// Close releases a Listener that will not Run.
func (l *Listener) Close() error {
	return l.conn.Close()
}

// Run reads datagrams until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { l.conn.Close() })
	defer stop()
	defer l.conn.Close()

	buf := make([]byte, MaxDatagramSize)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		a, err := DecodeAnnouncement(buf[:n])
		if err != nil {
			l.logger.Debug("dropping datagram", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		if l.registry.Add(a.Domain, a.Service, a.URI) {
			l.logger.Info("discovered endpoint",
				zap.String("domain", a.Domain),
				zap.String("service", a.Service),
				zap.String("uri", a.URI))
		}
	}
}

// Announce starts an Announcer that lives as long as ctx.
func Announce(ctx context.Context, group string, a Announcement, period time.Duration, logger *zap.Logger) error {
	announcer, err := NewAnnouncer(group, a, period, logger)
	if err != nil {
		return err
	}
	go announcer.Run(ctx)
	return nil
}

// Listen starts a Listener that lives as long as ctx.
func Listen(ctx context.Context, group string, registry *Registry, logger *zap.Logger) error {
	listener, err := NewListener(group, registry, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := listener.Run(ctx); err != nil {
			listener.logger.Error("listener stopped", zap.Error(err))
		}
	}()
	return nil
}
