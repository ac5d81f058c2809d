package node_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/link"
	"github.com/saidElhadi/wifi-csi-mesh/internal/node"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
	"github.com/saidElhadi/wifi-csi-mesh/internal/protocol"
	"github.com/saidElhadi/wifi-csi-mesh/internal/telemetry"
)

const (
	testWindow = 40 * time.Millisecond
	testSettle = 10 * time.Millisecond
	testProbe  = 10 * time.Millisecond
	waitFor    = 2 * time.Second
	tick       = 2 * time.Millisecond
)

func memAddrs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("mem-%d", i)
	}
	return out
}

type datagrams struct {
	mu  sync.Mutex
	got []string // "from|hex"
}

func (d *datagrams) receive(from string, b []byte) {
	d.mu.Lock()
	d.got = append(d.got, fmt.Sprintf("%s|%x", from, b))
	d.mu.Unlock()
}

func (d *datagrams) list() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.got...)
}

func (d *datagrams) has(entry string) bool {
	for _, g := range d.list() {
		if g == entry {
			return true
		}
	}
	return false
}

// member is one node under test with its capture pipeline.
type member struct {
	coord *node.Coordinator
	sim   *capture.Simulated
	queue *capture.Queue
}

func newMember(t *testing.T, hub *link.Hub, self peers.NodeID, n int, mutate func(*node.Config)) *member {
	t.Helper()
	dir, err := peers.New(self, memAddrs(n))
	require.NoError(t, err)

	ep := hub.Endpoint(dir.SelfAddr())
	sim := capture.NewSimulated(8)
	q, err := capture.NewQueue(1000)
	require.NoError(t, err)

	cfg := node.Config{
		Directory:       dir,
		Link:            ep,
		Capture:         sim,
		BroadcastWindow: testWindow,
		SettleDelay:     testSettle,
		ProbeInterval:   testProbe,
		Metrics:         telemetry.ForNode(fmt.Sprintf("%s-%d", t.Name(), self)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	coord, err := node.NewCoordinator(cfg, zap.NewNop())
	require.NoError(t, err)

	feed := capture.NewFeed(q, 512, coord.ListeningTag, sim.NowMicros, nil, zap.NewNop())
	sim.OnSample(feed.Handle)

	require.NoError(t, ep.Start())
	t.Cleanup(func() { ep.Close() })
	return &member{coord: coord, sim: sim, queue: q}
}

func run(t *testing.T, m *member) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		assert.NoError(t, m.coord.Run(ctx))
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

// peer attaches a scripted endpoint that records what it receives.
func peer(t *testing.T, hub *link.Hub, addr string) (*link.Memory, *datagrams) {
	t.Helper()
	ep := hub.Endpoint(addr)
	box := &datagrams{}
	ep.OnReceive(box.receive)
	require.NoError(t, ep.Start())
	t.Cleanup(func() { ep.Close() })
	return ep, box
}

func stateOf(m *member) node.State { return m.coord.Snapshot().State }

func TestRotationVisitsEveryNodeInOrder(t *testing.T) {
	hub := link.NewHub()

	var (
		mu       sync.Mutex
		sequence []peers.NodeID
		active   int
		maxSeen  int
	)
	observe := func(tr node.Transition) {
		mu.Lock()
		defer mu.Unlock()
		if tr.From == node.StateBroadcasting {
			active--
		}
		if tr.To == node.StateBroadcasting {
			active++
			sequence = append(sequence, tr.Node)
			if active > maxSeen {
				maxSeen = active
			}
		}
	}

	const n = 3
	members := make([]*member, n)
	for i := 0; i < n; i++ {
		id := peers.NodeID(i)
		members[i] = newMember(t, hub, id, n, func(c *node.Config) {
			c.Seed = id == 0
			c.OnTransition = observe
		})
	}
	for _, m := range members {
		run(t, m)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sequence) >= 2*n
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []peers.NodeID{0, 1, 2, 0, 1, 2}, sequence[:2*n])
	assert.Equal(t, 1, maxSeen, "never more than one broadcaster at a time")
}

func TestListenersTagSamplesWithBroadcaster(t *testing.T) {
	hub := link.NewHub()
	const n = 3
	members := make([]*member, n)
	for i := 0; i < n; i++ {
		id := peers.NodeID(i)
		members[i] = newMember(t, hub, id, n, func(c *node.Config) { c.Seed = id == 0 })
	}
	for _, m := range members {
		run(t, m)
	}

	require.Eventually(t, func() bool {
		for _, m := range members {
			if m.queue.Len() < 5 {
				return false
			}
		}
		return true
	}, waitFor, tick)

	for i, m := range members {
		for m.queue.Len() > 0 {
			s, ok := m.queue.DequeueWait(context.Background(), time.Millisecond)
			require.True(t, ok)
			assert.NotEqual(t, peers.NodeID(i), s.Tag, "node %d never captures its own probes", i)
			assert.Less(t, int(s.Tag), n)
			assert.True(t, s.Valid(512))
		}
	}
}

func TestTokenStartsSessionAndHandsOff(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, nil)
	p0, box0 := peer(t, hub, "mem-0")
	_, box2 := peer(t, hub, "mem-2")
	run(t, m)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Control(1)))

	// enable(1) to both peers, probes, then disable and the token to node 2
	require.Eventually(t, func() bool { return box2.has("mem-1|02") && box0.has("mem-1|ff") }, waitFor, tick)
	assert.True(t, box0.has("mem-1|01"))
	assert.True(t, box2.has("mem-1|01"))
	assert.True(t, box0.has(fmt.Sprintf("mem-1|%x", protocol.Probe(protocol.DefaultProbeSize))))
	assert.False(t, box0.has("mem-1|02"), "token only goes to the next node")

	got := box2.list()
	assert.Equal(t, "mem-1|01", got[0], "enable precedes probes")
	assert.Equal(t, "mem-1|02", got[len(got)-1], "token comes last, after disable")
	assert.Equal(t, "mem-1|ff", got[len(got)-2])

	assert.Eventually(t, func() bool { return stateOf(m) == node.StateIdle }, waitFor, tick)
}

func TestEnableThenDisable(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, nil)
	p0, _ := peer(t, hub, "mem-0")
	run(t, m)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Control(0)))
	require.Eventually(t, func() bool { return stateOf(m) == node.StateListening }, waitFor, tick)
	assert.Equal(t, peers.NodeID(0), m.coord.Snapshot().Tag)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Probe(protocol.DefaultProbeSize)))
	require.Eventually(t, func() bool { return m.queue.Len() == 1 }, waitFor, tick)
	s, _ := m.queue.DequeueWait(context.Background(), time.Millisecond)
	assert.Equal(t, peers.NodeID(0), s.Tag)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Disable()))
	require.Eventually(t, func() bool { return stateOf(m) == node.StateIdle }, waitFor, tick)
	_, on := m.sim.Enabled()
	assert.False(t, on)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Probe(protocol.DefaultProbeSize)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, m.queue.Len(), "no samples once disabled")
	assert.Equal(t, 1, m.sim.EnableCount())
}

func TestTagComesFromEnableValueNotSender(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, nil)
	p0, _ := peer(t, hub, "mem-0")
	p2, _ := peer(t, hub, "mem-2")
	run(t, m)

	// node 2 relays an enable naming node 0
	require.NoError(t, p2.SendUnicast("mem-1", protocol.Control(0)))
	require.Eventually(t, func() bool { return stateOf(m) == node.StateListening }, waitFor, tick)
	assert.Equal(t, peers.NodeID(0), m.coord.Snapshot().Tag)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Probe(protocol.DefaultProbeSize)))
	require.Eventually(t, func() bool { return m.queue.Len() == 1 }, waitFor, tick)
	s, _ := m.queue.DequeueWait(context.Background(), time.Millisecond)
	assert.Equal(t, peers.NodeID(0), s.Tag)

	// probes from a node that is not the broadcaster are not captured
	require.NoError(t, p2.SendUnicast("mem-1", protocol.Probe(protocol.DefaultProbeSize)))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, m.queue.Len())
}

func TestListeningRetagsOnNewEnable(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, nil)
	p0, _ := peer(t, hub, "mem-0")
	p2, _ := peer(t, hub, "mem-2")
	run(t, m)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Control(0)))
	require.Eventually(t, func() bool { return m.coord.Snapshot().Tag == 0 }, waitFor, tick)
	require.NoError(t, p2.SendUnicast("mem-1", protocol.Control(2)))
	require.Eventually(t, func() bool { return m.coord.Snapshot().Tag == 2 }, waitFor, tick)
	assert.Equal(t, node.StateListening, stateOf(m))
	assert.Equal(t, 2, m.sim.EnableCount())

	// a late disable from node 0 does not end node 2's session
	require.NoError(t, p0.SendUnicast("mem-1", protocol.Disable()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, node.StateListening, stateOf(m))
}

func TestTokenWhileListeningAnnounces(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, func(c *node.Config) { c.BroadcastWindow = time.Second })
	p0, _ := peer(t, hub, "mem-0")
	_, box2 := peer(t, hub, "mem-2")
	run(t, m)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Control(0)))
	require.Eventually(t, func() bool { return stateOf(m) == node.StateListening }, waitFor, tick)

	require.NoError(t, p0.SendUnicast("mem-1", protocol.Control(1)))
	require.Eventually(t, func() bool { return stateOf(m).HoldsToken() }, waitFor, tick)
	_, on := m.sim.Enabled()
	assert.False(t, on, "capture is disabled before announcing")
	assert.Eventually(t, func() bool { return box2.has("mem-1|01") }, waitFor, tick)
	assert.NotEmpty(t, m.coord.Snapshot().Session)
}

func TestBroadcasterIgnoresDuplicatesAndCountsConflicts(t *testing.T) {
	hub := link.NewHub()
	var transitions []node.Transition
	var mu sync.Mutex
	m := newMember(t, hub, 0, 3, func(c *node.Config) {
		c.Seed = true
		c.BroadcastWindow = time.Second
		c.OnTransition = func(tr node.Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}
	})
	p1, _ := peer(t, hub, "mem-1")
	peer(t, hub, "mem-2")
	run(t, m)

	require.Eventually(t, func() bool { return stateOf(m) == node.StateBroadcasting }, waitFor, tick)

	conflicts := telemetry.ProtocolErrors.WithLabelValues(t.Name()+"-0", "conflict")
	before := testutil.ToFloat64(conflicts)
	require.NoError(t, p1.SendUnicast("mem-0", protocol.Control(0)))
	require.NoError(t, p1.SendUnicast("mem-0", protocol.Control(1)))

	require.Eventually(t, func() bool { return testutil.ToFloat64(conflicts)-before == 1 }, waitFor, tick)
	assert.Equal(t, node.StateBroadcasting, stateOf(m))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 2)
	assert.Equal(t, node.StateAnnouncing, transitions[0].To)
	assert.Equal(t, node.StateBroadcasting, transitions[1].To)
	assert.Equal(t, transitions[0].Session, transitions[1].Session)
}

func TestProtocolErrorsLeaveStateAlone(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, nil)
	p0, _ := peer(t, hub, "mem-0")
	stranger, _ := peer(t, hub, "mem-9")
	run(t, m)

	label := t.Name() + "-1"
	reasons := []string{"unknown_sender", "malformed", "unknown_node"}
	before := map[string]float64{}
	for _, r := range reasons {
		before[r] = testutil.ToFloat64(telemetry.ProtocolErrors.WithLabelValues(label, r))
	}

	require.NoError(t, stranger.SendUnicast("mem-1", protocol.Control(0)))
	require.NoError(t, p0.SendUnicast("mem-1", []byte{0, 0}))
	require.NoError(t, p0.SendUnicast("mem-1", protocol.Control(7)))

	require.Eventually(t, func() bool {
		for _, r := range reasons {
			if testutil.ToFloat64(telemetry.ProtocolErrors.WithLabelValues(label, r))-before[r] != 1 {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assert.Equal(t, node.StateIdle, stateOf(m))
	assert.Equal(t, 0, m.sim.EnableCount())
}

func TestOwnDatagramsCountedAndIgnored(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 1, 3, nil)
	run(t, m)

	loopback := telemetry.ProtocolErrors.WithLabelValues(t.Name()+"-1", "loopback")
	before := testutil.ToFloat64(loopback)

	m.coord.Deliver("mem-1", protocol.Control(1))
	m.coord.Deliver("mem-1", protocol.Control(0))

	require.Eventually(t, func() bool { return testutil.ToFloat64(loopback)-before == 2 }, waitFor, tick)
	assert.Equal(t, node.StateIdle, stateOf(m))
	assert.Equal(t, 0, m.sim.EnableCount())
}

func TestShutdownHandsOffToken(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 0, 3, func(c *node.Config) {
		c.Seed = true
		c.BroadcastWindow = time.Hour
	})
	_, box1 := peer(t, hub, "mem-1")
	_, box2 := peer(t, hub, "mem-2")
	cancel := run(t, m)

	require.Eventually(t, func() bool { return stateOf(m) == node.StateBroadcasting }, waitFor, tick)
	cancel()

	require.Eventually(t, func() bool { return box1.has("mem-0|01") && box2.has("mem-0|ff") }, waitFor, tick)
	assert.Eventually(t, func() bool { return stateOf(m) == node.StateIdle }, waitFor, tick)
}

func TestWatchdogTakesLostToken(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 0, 2, func(c *node.Config) {
		c.TokenTimeout = 30 * time.Millisecond
		c.BroadcastWindow = time.Second
	})
	peer(t, hub, "mem-1")
	run(t, m)

	assert.Equal(t, node.StateIdle, stateOf(m))
	assert.Eventually(t, func() bool { return stateOf(m).HoldsToken() }, waitFor, tick)
}

func TestNoWatchdogByDefault(t *testing.T) {
	hub := link.NewHub()
	m := newMember(t, hub, 0, 2, nil)
	peer(t, hub, "mem-1")
	run(t, m)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, node.StateIdle, stateOf(m), "without a token nothing happens")
}

func TestSingleNodeKeepsToken(t *testing.T) {
	hub := link.NewHub()
	var mu sync.Mutex
	count := 0
	m := newMember(t, hub, 0, 1, func(c *node.Config) {
		c.Seed = true
		c.OnTransition = func(tr node.Transition) {
			if tr.To == node.StateBroadcasting {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}
	})
	run(t, m)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, waitFor, tick)
}

func TestNewCoordinatorValidates(t *testing.T) {
	hub := link.NewHub()
	dir, err := peers.New(0, memAddrs(2))
	require.NoError(t, err)
	sim := capture.NewSimulated(4)

	_, err = node.NewCoordinator(node.Config{Link: hub.Endpoint("mem-0"), Capture: sim}, zap.NewNop())
	assert.ErrorIs(t, err, node.ErrNoDirectory)

	_, err = node.NewCoordinator(node.Config{Directory: dir, Capture: sim}, zap.NewNop())
	assert.ErrorIs(t, err, node.ErrNoLink)

	_, err = node.NewCoordinator(node.Config{Directory: dir, Link: hub.Endpoint("mem-0"), Capture: sim, ProbeSize: 1}, zap.NewNop())
	assert.ErrorIs(t, err, node.ErrBadProbeSize)

	_, err = node.NewCoordinator(node.Config{Directory: dir, Link: hub.Endpoint("mem-0"), Capture: sim, SettleDelay: -1}, zap.NewNop())
	assert.ErrorIs(t, err, node.ErrBadTiming)
}

func TestStateRoles(t *testing.T) {
	assert.Equal(t, node.RoleIdle, node.StateIdle.Role())
	assert.Equal(t, node.RoleBroadcaster, node.StateAnnouncing.Role())
	assert.Equal(t, node.RoleBroadcaster, node.StateBroadcasting.Role())
	assert.Equal(t, node.RoleListener, node.StateListening.Role())
	assert.Equal(t, "broadcasting", node.StateBroadcasting.String())
	assert.Equal(t, "listener", node.RoleListener.String())
}
