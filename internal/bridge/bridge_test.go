package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/device"
	"github.com/tamzrod/rvc2mqtt/internal/logger"
	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/metrics"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/rvcsim"
	"github.com/tamzrod/rvc2mqtt/internal/translate"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond

	noDuplicates = `{"faults":[],"warnings":[]}`
	duplicates   = `{"faults":[{"code":1,"desc":"Duplicate device instances found"}],"warnings":[]}`
)

type harness struct {
	db  *rvc.Database
	net *rvcsim.Network
	rec *bus.Recorder
	reg *prometheus.Registry
	br  *Bridge

	cancel context.CancelFunc
	done   chan error
}

func testConfig(patterns ...string) Config {
	cfg := DefaultConfig()
	cfg.Subscriptions = patterns
	cfg.EventDeadTime = time.Millisecond
	cfg.Tick = 50 * time.Millisecond
	cfg.Window = 6
	cfg.Device = device.Config{
		PollInterval:      20 * time.Millisecond,
		RerequestTimeout:  time.Hour,
		ResponseTimeout:   50 * time.Millisecond,
		RequestTries:      1,
		IdentifyWindow:    100 * time.Millisecond,
		IdentifyRecv:      20 * time.Millisecond,
		IdentifyRetries:   2,
		PPNCycleSkips:     1,
		PPNRequestTimeout: 50 * time.Millisecond,
		PPNRequestTries:   1,
		PPNCommandTimeout: 50 * time.Millisecond,
		PPNCommandTries:   1,
	}
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	db := rvc.DefaultDatabase()
	tables, err := mapping.Load("", db, translate.Transforms)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	net := rvcsim.New(db)
	rec := bus.NewRecorder()
	br, err := New(cfg, net, rec, tables, m, logger.NewTestLogger())
	require.NoError(t, err)

	h := &harness{db: db, net: net, rec: rec, reg: reg, br: br, done: make(chan error, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- br.Run(ctx) }()
	t.Cleanup(func() {
		h.stop(t)
		_ = net.Close()
	})

	h.waitRetained(t, "xnet/sts/rvc/status", "online")
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if h.cancel == nil {
		return
	}
	h.cancel()
	h.cancel = nil
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("bridge did not stop")
	}
}

func (h *harness) inverter(t *testing.T, addr uint8, inst string) *rvcsim.Node {
	t.Helper()
	n := rvcsim.NewNode(h.db, addr, "Xantrex", "FSW_RVC_2000", "SN")
	require.NoError(t, n.SetStatus("InstSts", map[string]string{"BaseInst": inst}))
	require.NoError(t, h.net.Attach(n))
	return n
}

func (h *harness) battery(t *testing.T, addr uint8, batt, priority, volts string) *rvcsim.Node {
	t.Helper()
	n := rvcsim.NewNode(h.db, addr, "ZeroRPM", "0884-0310-12", "SN")
	require.NoError(t, n.SetStatus("BattSts6", map[string]string{"DcInst": "1", "BattInst": batt}))
	require.NoError(t, n.SetStatus("DCSrcSts1", map[string]string{"Inst": "1", "DevPri": priority, "DcV": volts}))
	require.NoError(t, h.net.Attach(n))
	return n
}

func (h *harness) waitRetained(t *testing.T, topic, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := h.rec.Retained(topic)
		return ok && v == want
	}, waitFor, tick, "retained %s never became %q", topic, want)
}

// registry snapshots addr -> name on the loop.
func (h *harness) registry(t *testing.T) map[uint8]string {
	t.Helper()
	out := map[uint8]string{}
	err := h.br.call(context.Background(), func() error {
		for addr, d := range h.br.devices {
			out[addr] = d.Name()
		}
		return nil
	})
	assert.NoError(t, err)
	return out
}

func (h *harness) patterns(t *testing.T) []string {
	t.Helper()
	var out []string
	require.NoError(t, h.br.call(context.Background(), func() error {
		out = append(out, h.br.patterns...)
		return nil
	}))
	return out
}

func (h *harness) metric(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	assert.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	next:
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			if g := m.GetGauge(); g != nil {
				return g.GetValue()
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestBridgeAnnouncesItself(t *testing.T) {
	h := newHarness(t, testConfig())

	h.waitRetained(t, "xnet/sts/rvc/Alerts", noDuplicates)
	assert.ElementsMatch(t, []string{"xnet/cmd/#", "xnet/sub/#", "xnet/unsub/#"}, h.rec.Filters())
}

func TestDuplicateInstancesSuffixedAndRestored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.inverter(t, 5, "1")
	h.inverter(t, 9, "1")

	h.waitRetained(t, "xnet/sts/invchg1_node5/status", "online")
	h.waitRetained(t, "xnet/sts/invchg1_node9/status", "online")
	h.waitRetained(t, "xnet/sts/rvc/Alerts", duplicates)
	assert.Equal(t, 1.0, h.metric(t, "rvc2mqtt_duplicate_instances", nil))

	h.net.Remove(5, rvc.RemovedTimeout)

	h.waitRetained(t, "xnet/sts/invchg1_node5/status", "offline")
	h.waitRetained(t, "xnet/sts/invchg1_node9/status", "offline")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	h.waitRetained(t, "xnet/sts/rvc/Alerts", noDuplicates)

	assert.Equal(t, map[uint8]string{9: "invchg1"}, h.registry(t))
}

func TestEveryRenameRepublishesBridgeAlerts(t *testing.T) {
	h := newHarness(t, testConfig())
	h.waitRetained(t, "xnet/sts/rvc/Alerts", noDuplicates)

	h.inverter(t, 5, "1")
	h.inverter(t, 6, "2")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	h.waitRetained(t, "xnet/sts/invchg2/status", "online")

	require.Eventually(t, func() bool {
		return len(h.rec.On("xnet/sts/rvc/Alerts")) >= 3
	}, waitFor, tick)
	for _, doc := range h.rec.On("xnet/sts/rvc/Alerts") {
		assert.Equal(t, noDuplicates, doc)
	}
}

func TestIncrementalNamesMatchDirectComputation(t *testing.T) {
	h := newHarness(t, testConfig())
	h.inverter(t, 5, "1")
	h.inverter(t, 6, "2")
	n7 := h.inverter(t, 7, "1")

	h.waitRetained(t, "xnet/sts/invchg1_node7/status", "online")
	h.waitRetained(t, "xnet/sts/invchg2/status", "online")

	// Node 7 re-instances itself away from the collision.
	require.NoError(t, n7.SetStatus("InstSts", map[string]string{"BaseInst": "3"}))
	require.NoError(t, n7.Broadcast("InstSts"))

	h.waitRetained(t, "xnet/sts/invchg3/status", "online")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	var direct map[uint8]string
	require.NoError(t, h.br.call(context.Background(), func() error {
		direct = h.br.graph.names()
		return nil
	}))
	assert.Equal(t, direct, h.registry(t))
	assert.Equal(t, map[uint8]string{5: "invchg1", 6: "invchg2", 7: "invchg3"}, direct)
}

func TestManagersFollowNodePresence(t *testing.T) {
	h := newHarness(t, testConfig())
	h.inverter(t, 5, "1")
	h.inverter(t, 6, "2")
	h.inverter(t, 7, "3")
	h.waitRetained(t, "xnet/sts/invchg3/status", "online")
	h.waitRetained(t, "xnet/sts/invchg2/status", "online")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	h.net.Remove(6, rvc.RemovedBumped)
	require.NoError(t, h.net.Move(7, 8))
	h.inverter(t, 9, "4")

	require.Eventually(t, func() bool {
		r := h.registry(t)
		return len(r) == 3 && r[5] == "invchg1" && r[8] == "invchg3" && r[9] == "invchg4"
	}, waitFor, tick)
	h.waitRetained(t, "xnet/sts/invchg2/status", "offline")
	h.waitRetained(t, "xnet/sts/invchg3/status", "online")
	assert.Equal(t, 3.0, h.metric(t, "rvc2mqtt_devices_live", nil))
	assert.Equal(t, 3, h.net.Conns())
}

func TestUnsupportedNodeIsDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.net.Attach(rvcsim.NewNode(h.db, 12, "Acme", "TOASTER", "1")))

	require.Eventually(t, func() bool {
		return len(h.registry(t)) == 0 && h.net.Conns() == 0
	}, waitFor, tick)
}

func TestBankArbitration(t *testing.T) {
	h := newHarness(t, testConfig("bank?/DcVoltage"))
	low := h.battery(t, 20, "1", "3", "13")
	high := h.battery(t, 21, "2", "7", "13.5")

	h.waitRetained(t, "xnet/sts/bank1batt1/status", "online")
	h.waitRetained(t, "xnet/sts/bank1batt2/status", "online")

	require.NoError(t, high.Broadcast("DCSrcSts1"))
	h.waitRetained(t, "xnet/sts/bank1/status", "online")

	for i := 0; i < 3; i++ {
		require.NoError(t, low.Broadcast("DCSrcSts1"))
		require.NoError(t, high.Broadcast("DCSrcSts1"))
	}
	require.Eventually(t, func() bool {
		return len(h.rec.On("xnet/sts/bank1/DcVoltage")) >= 4
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return h.metric(t, "rvc2mqtt_bank_priority", map[string]string{"bank": "1"}) == 7
	}, waitFor, tick)
	assert.NotContains(t, h.rec.On("xnet/sts/bank1/DcVoltage"), "13 V")

	// The high source falls silent; the low one takes over once its
	// ballot expires.
	require.Eventually(t, func() bool {
		_ = low.Broadcast("DCSrcSts1")
		v, _ := h.rec.Last("xnet/sts/bank1/DcVoltage")
		return v == "13 V"
	}, waitFor, 10*time.Millisecond)

	h.waitRetained(t, "xnet/sts/bank1/status", "offline")
	assert.Equal(t, 0.0, h.metric(t, "rvc2mqtt_virtual_devices_live", nil))
	assert.Equal(t, 0.0, h.metric(t, "rvc2mqtt_bank_priority", map[string]string{"bank": "1"}))
}

func TestSentinelPriorityCreatesNoBank(t *testing.T) {
	h := newHarness(t, testConfig("bank?/DcVoltage"))
	n := h.battery(t, 20, "1", rvc.NotAvailable, "13")
	h.waitRetained(t, "xnet/sts/bank1batt1/status", "online")

	for i := 0; i < 3; i++ {
		require.NoError(t, n.Broadcast("DCSrcSts1"))
	}
	require.Eventually(t, func() bool {
		return h.metric(t, "rvc2mqtt_messages_received_total", map[string]string{"mnemonic": "DCSrcSts1"}) >= 3
	}, waitFor, tick)

	require.NoError(t, h.br.call(context.Background(), func() error { return nil }))
	_, ok := h.rec.Retained("xnet/sts/bank1/status")
	assert.False(t, ok)
}

func TestCommandsRoutedByName(t *testing.T) {
	h := newHarness(t, testConfig())
	n := h.inverter(t, 5, "1")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	h.rec.Deliver("xnet/cmd/invchg1/InverterEnable", []byte("On"))
	require.Eventually(t, func() bool {
		for _, c := range n.Commands() {
			if c.Mnemonic() == "InvCmd" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	h.rec.Deliver("xnet/cmd/invchg7/InverterEnable", []byte("On"))
	h.rec.Deliver("xnet/cmd/invchg1/WarpDrive", []byte("On"))
	require.NoError(t, h.br.call(context.Background(), func() error { return nil }))

	assert.Equal(t, 1.0, h.metric(t, "rvc2mqtt_commands_total", map[string]string{"result": metrics.CommandSent}))
	assert.Equal(t, 1.0, h.metric(t, "rvc2mqtt_commands_total", map[string]string{"result": metrics.CommandUnknownDevice}))
	assert.Equal(t, 1.0, h.metric(t, "rvc2mqtt_commands_total", map[string]string{"result": metrics.CommandUnknownParam}))
}

func TestSubscriptionsFromBus(t *testing.T) {
	h := newHarness(t, testConfig("*/status"))

	// Stored before the device exists.
	h.rec.Deliver("xnet/sub/invchg1", []byte(`["AcOutVoltage", "Alerts", "OpState"]`))
	assert.Equal(t, []string{"*/status", "invchg1/AcOutVoltage"}, h.patterns(t))

	h.inverter(t, 5, "1")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	var subscribed []string
	require.Eventually(t, func() bool {
		err := h.br.call(context.Background(), func() error {
			if d := h.br.lookup("invchg1"); d != nil {
				subscribed = d.Subscribed()
			}
			return nil
		})
		return err == nil && len(subscribed) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{"AcOutVoltage"}, subscribed)

	h.rec.Deliver("xnet/sub/invchg1", []byte(`{not json`))
	h.rec.Deliver("xnet/sub/invchg1", []byte(`null`))
	assert.Equal(t, []string{"*/status", "invchg1/AcOutVoltage"}, h.patterns(t))

	h.rec.Deliver("xnet/sub/invchg1", []byte(`["AcInVoltage"]`))
	h.rec.Deliver("xnet/unsub/invchg1", []byte(`["AcOutVoltage"]`))
	assert.Equal(t, []string{"*/status", "invchg1/AcInVoltage"}, h.patterns(t))

	h.rec.Deliver("xnet/unsub/invchg1", []byte(`null`))
	assert.Equal(t, []string{"*/status"}, h.patterns(t))

	require.NoError(t, h.br.call(context.Background(), func() error {
		subscribed = h.br.lookup("invchg1").Subscribed()
		return nil
	}))
	assert.Empty(t, subscribed)
}

func TestGlobSubscriptionsReachLiveDevices(t *testing.T) {
	h := newHarness(t, testConfig("*/status"))
	h.inverter(t, 5, "1")
	h.inverter(t, 6, "2")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	h.waitRetained(t, "xnet/sts/invchg2/status", "online")

	subscribed := func(name string) []string {
		var out []string
		require.NoError(t, h.br.call(context.Background(), func() error {
			if d := h.br.lookup(name); d != nil {
				out = d.Subscribed()
			}
			return nil
		}))
		return out
	}

	h.rec.Deliver("xnet/sub/invchg*", []byte(`["AcOutVoltage"]`))
	assert.Equal(t, []string{"*/status", "invchg*/AcOutVoltage"}, h.patterns(t))
	assert.Equal(t, []string{"AcOutVoltage"}, subscribed("invchg1"))
	assert.Equal(t, []string{"AcOutVoltage"}, subscribed("invchg2"))

	h.rec.Deliver("xnet/unsub/invchg*", []byte(`["AcOutVoltage"]`))
	assert.Equal(t, []string{"*/status"}, h.patterns(t))
	assert.Empty(t, subscribed("invchg1"))
	assert.Empty(t, subscribed("invchg2"))
}

func TestShutdownPublishesOffline(t *testing.T) {
	h := newHarness(t, testConfig())
	h.inverter(t, 5, "1")
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	h.stop(t)

	v, _ := h.rec.Retained("xnet/sts/invchg1/status")
	assert.Equal(t, "offline", v)
	v, _ = h.rec.Retained("xnet/sts/rvc/status")
	assert.Equal(t, "offline", v)
	assert.Zero(t, h.net.Conns())

	msgs := h.rec.Published()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "xnet/sts/rvc/status", last.Topic)
}

func TestGraph(t *testing.T) {
	g := newGraph()
	inv1 := slot{class: "invchg", key: device.InstanceKey{Inst: 1}}
	inv2 := slot{class: "invchg", key: device.InstanceKey{Inst: 2}}

	assert.Equal(t, []slot{inv1}, g.place(5, inv1))
	assert.Equal(t, []slot{inv1}, g.place(9, inv1))
	assert.Equal(t, map[uint8]string{5: "invchg1_node5", 9: "invchg1_node9"}, g.names())
	assert.Equal(t, 1, g.duplicates())

	assert.Equal(t, []slot{inv1, inv2}, g.place(9, inv2))
	assert.Equal(t, map[uint8]string{5: "invchg1", 9: "invchg2"}, g.names())
	assert.Zero(t, g.duplicates())

	s, ok := g.move(9, 10)
	require.True(t, ok)
	assert.Equal(t, inv2, s)
	assert.Equal(t, []uint8{10}, g.members(inv2))

	_, ok = g.remove(9)
	assert.False(t, ok)
	s, ok = g.remove(5)
	require.True(t, ok)
	assert.Equal(t, inv1, s)
	assert.Empty(t, g.members(inv1))
}

func TestGraphAggregateIgnoresClass(t *testing.T) {
	g := newGraph()
	key := device.InstanceKey{Inst: 1, Inst2: 2, Aggregate: true}

	g.place(20, slot{class: "bms", key: key})
	g.place(21, slot{class: "battery", key: key})
	assert.Equal(t, map[uint8]string{20: "bank1batt2_node20", 21: "bank1batt2_node21"}, g.names())
	assert.Equal(t, 1, g.duplicates())

	g.remove(21)
	assert.Equal(t, map[uint8]string{20: "bank1batt2"}, g.names())
}
