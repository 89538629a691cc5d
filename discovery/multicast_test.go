package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// A listener that joins two periods after the announcer started still
// learns the endpoint within one more period.
func TestDiscoveryConvergence(t *testing.T) {
	const period = 200 * time.Millisecond
	group := "226.226.226.226:22661"
	logger := zaptest.NewLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := Announcement{Domain: "d1", Service: "sheets", URI: "127.0.0.1:7000"}
	announcer, err := NewAnnouncer(group, a, period, logger)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	go announcer.Run(ctx)

	time.Sleep(2 * period)

	reg := NewRegistry()
	listener, err := NewListener(group, reg, logger)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	go listener.Run(ctx)

	deadline := time.Now().Add(period + 100*time.Millisecond)
	for len(reg.KnownEndpoints("d1", "sheets")) == 0 {
		if time.Now().After(deadline) {
			t.Skip("no multicast route on this host")
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, []string{"127.0.0.1:7000"}, reg.KnownEndpoints("d1", "sheets"))
}

// An evicted endpoint comes back with the next periodic announcement.
func TestAnnouncerRepeatsEveryPeriod(t *testing.T) {
	const period = time.Minute
	group := "226.226.226.226:22663"
	logger := zaptest.NewLogger(t)
	clock := clockwork.NewFakeClock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := NewRegistry()
	listener, err := NewListener(group, reg, logger)
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	go listener.Run(ctx)

	a := Announcement{Domain: "d1", Service: "sheets", URI: "127.0.0.1:7001"}
	announcer, err := NewAnnouncer(group, a, period, logger, WithAnnounceClock(clock))
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	go announcer.Run(ctx)

	known := func() bool { return len(reg.KnownEndpoints("d1", "sheets")) == 1 }
	deadline := time.Now().Add(time.Second)
	for !known() {
		if time.Now().After(deadline) {
			t.Skip("no multicast route on this host")
		}
		time.Sleep(10 * time.Millisecond)
	}

	reg.Evict("d1", "sheets", a.URI)
	require.False(t, known())

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(period)
	assert.Eventually(t, known, time.Second, 10*time.Millisecond)
}

func TestListenerDropsMalformed(t *testing.T) {
	group := "226.226.226.226:22662"
	reg := NewRegistry()
	listener, err := NewListener(group, reg, zaptest.NewLogger(t))
	if err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	conn, err := net.Dial("udp4", group)
	require.NoError(t, err)
	defer conn.Close()
	conn.Write([]byte("garbage"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Empty(t, reg.KnownEndpoints("garbage", ""))
}
