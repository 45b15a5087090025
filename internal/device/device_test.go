package device

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/tamzrod/rvc2mqtt/internal/bus"
	"github.com/tamzrod/rvc2mqtt/internal/logger"
	"github.com/tamzrod/rvc2mqtt/internal/mapping"
	"github.com/tamzrod/rvc2mqtt/internal/metrics"
	"github.com/tamzrod/rvc2mqtt/internal/rvc"
	"github.com/tamzrod/rvc2mqtt/internal/rvc/rvcsim"
	"github.com/tamzrod/rvc2mqtt/internal/translate"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() Config {
	return Config{
		PollInterval:      20 * time.Millisecond,
		RerequestTimeout:  time.Hour,
		ResponseTimeout:   50 * time.Millisecond,
		RequestTries:      1,
		IdentifyWindow:    100 * time.Millisecond,
		IdentifyRecv:      20 * time.Millisecond,
		IdentifyRetries:   2,
		PPNCycleSkips:     1,
		PPNRequestTimeout: 50 * time.Millisecond,
		PPNRequestTries:   2,
		PPNCommandTimeout: 50 * time.Millisecond,
		PPNCommandTries:   2,
	}
}

// fakeCoord names devices without collision handling.
type fakeCoord struct {
	mu        sync.Mutex
	patterns  []string
	renames   []InstanceKey
	dc        []*rvc.Message
	abandoned chan error
}

func (f *fakeCoord) RequestRename(_ context.Context, d *Manager, key InstanceKey) error {
	f.mu.Lock()
	f.renames = append(f.renames, key)
	patterns := f.patterns
	f.mu.Unlock()

	d.SetName(DisplayName(d.Class(), key, d.Addr(), false), key)
	d.UpdateSubscriptions(patterns)
	return nil
}

func (f *fakeCoord) RouteDcSource(_ context.Context, msg *rvc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dc = append(f.dc, msg)
	return nil
}

func (f *fakeCoord) Abandon(_ context.Context, _ *Manager, err error) {
	f.abandoned <- err
}

func (f *fakeCoord) dcCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dc)
}

type harness struct {
	db    *rvc.Database
	net   *rvcsim.Network
	rec   *bus.Recorder
	coord *fakeCoord
	deps  Deps
	reg   *prometheus.Registry
}

func newHarness(t *testing.T, patterns ...string) *harness {
	t.Helper()

	db := rvc.DefaultDatabase()
	tables, err := mapping.Load("", db, translate.Transforms)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	rec := bus.NewRecorder()
	coord := &fakeCoord{patterns: patterns, abandoned: make(chan error, 1)}
	net := rvcsim.New(db)
	t.Cleanup(func() { _ = net.Close() })

	return &harness{
		db:    db,
		net:   net,
		rec:   rec,
		coord: coord,
		reg:   reg,
		deps: Deps{
			DB:           db,
			Tables:       tables,
			Sink:         bus.NewSink(rec, "xnet", logger.NewTestLogger(), m),
			Coordinator:  coord,
			Metrics:      m,
			IdentifyLock: semaphore.NewWeighted(1),
			Log:          logger.NewTestLogger(),
		},
	}
}

func (h *harness) node(t *testing.T, addr uint8, model string) *rvcsim.Node {
	t.Helper()
	n := rvcsim.NewNode(h.db, addr, "Xantrex", model, "SN"+model)
	require.NoError(t, h.net.Attach(n))
	return n
}

func (h *harness) start(t *testing.T, addr uint8) *Manager {
	t.Helper()
	conn, err := h.net.Connect(addr)
	require.NoError(t, err)
	d := New(conn, testConfig(), h.deps)
	d.Start(context.Background())
	t.Cleanup(d.Close)
	return d
}

func (h *harness) waitRetained(t *testing.T, topic, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := h.rec.Retained(topic)
		return ok && v == want
	}, waitFor, tick, "retained %s never became %q", topic, want)
}

func (h *harness) waitValue(t *testing.T, topic, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, ok := h.rec.Last(topic)
		return ok && v == want
	}, waitFor, tick, "%s never became %q", topic, want)
}

func (h *harness) counter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := h.reg.Gather()
	assert.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func inverterNode(t *testing.T, h *harness, addr uint8, inst string) *rvcsim.Node {
	t.Helper()
	n := h.node(t, addr, "FSW_RVC_2000")
	require.NoError(t, n.SetStatus("InstSts", map[string]string{"BaseInst": inst}))
	return n
}

func TestIdentifyAndName(t *testing.T) {
	h := newHarness(t)
	n := inverterNode(t, h, 5, "1")

	d := h.start(t, 5)

	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	h.waitRetained(t, "xnet/sts/invchg1/network", "rvc")
	h.waitRetained(t, "xnet/sts/invchg1/Manufacturer", "Xantrex")
	h.waitRetained(t, "xnet/sts/invchg1/Model", "FSW_RVC_2000")
	h.waitRetained(t, "xnet/sts/invchg1/SerialNumber", "SNFSW_RVC_2000")

	assert.Equal(t, "invchg1", d.Name())
	assert.Equal(t, "invchg", d.Class())
	key, ok := d.Key()
	require.True(t, ok)
	assert.Equal(t, InstanceKey{Inst: 1}, key)

	reqs := n.Requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Equal(t, []string{rvc.MnemProdIdent, "InstSts"}, reqs[:2])
}

func TestUnsupportedModelIsAbandoned(t *testing.T) {
	h := newHarness(t)
	h.node(t, 7, "TOASTER_9000")

	h.start(t, 7)

	select {
	case err := <-h.coord.abandoned:
		assert.ErrorIs(t, err, ErrAbandoned)
		assert.ErrorIs(t, err, ErrUnsupportedModel)
	case <-time.After(waitFor):
		t.Fatal("device was not abandoned")
	}
	assert.Empty(t, h.coord.renames)
}

func TestSilentNodeIsAbandoned(t *testing.T) {
	h := newHarness(t)
	n := h.node(t, 8, "FSW_RVC_2000")
	n.Mute(true)

	h.start(t, 8)

	select {
	case err := <-h.coord.abandoned:
		assert.ErrorIs(t, err, ErrAbandoned)
	case <-time.After(waitFor):
		t.Fatal("device was not abandoned")
	}
	assert.Equal(t, 2.0, h.counter(t, "rvc2mqtt_request_timeouts_total"))
}

func TestQualifiedValuesPublished(t *testing.T) {
	h := newHarness(t, "invchg1/AcOutVoltage", "invchg1/AcInVoltage")
	n := inverterNode(t, h, 5, "1")
	require.NoError(t, n.SetStatus("InvAcSts1", map[string]string{
		"Line": "1", "InOut": "Output", "RmsV": "120",
	}))

	d := h.start(t, 5)
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	assert.Equal(t, []string{"AcInVoltage", "AcOutVoltage"}, d.Subscribed())

	require.NoError(t, n.Broadcast("InvAcSts1"))
	h.waitValue(t, "xnet/sts/invchg1/AcOutVoltage", "120 V")
	assert.Empty(t, h.rec.On("xnet/sts/invchg1/AcInVoltage"))
}

func TestRerequestPollsUnseenMessages(t *testing.T) {
	h := newHarness(t, "invchg1/ChargeVoltage")
	n := inverterNode(t, h, 5, "1")
	require.NoError(t, n.SetStatus("ChgSts", map[string]string{"ChgV": "14.2"}))

	h.start(t, 5)

	h.waitValue(t, "xnet/sts/invchg1/ChargeVoltage", "14.2 V")
	assert.Contains(t, n.Requests(), "ChgSts")
}

func TestDerivedOpState(t *testing.T) {
	h := newHarness(t, "inv*/InvOpState", "invchg*/ChgOpState")
	n := inverterNode(t, h, 5, "1")
	require.NoError(t, n.SetStatus("InvSts", map[string]string{"Sts": "Invert"}))
	require.NoError(t, n.SetStatus("ChgSts", map[string]string{"OpState": "Disabled"}))

	h.start(t, 5)
	h.waitValue(t, "xnet/sts/invchg1/OpState", "Inverting")

	require.NoError(t, n.SetStatus("ChgSts", map[string]string{"OpState": "Bulk"}))
	require.NoError(t, n.Broadcast("ChgSts"))
	h.waitValue(t, "xnet/sts/invchg1/OpState", "Charging")
}

func TestAlertsPublishedEveryTick(t *testing.T) {
	h := newHarness(t)
	inverterNode(t, h, 5, "1")

	h.start(t, 5)

	require.Eventually(t, func() bool {
		return len(h.rec.On("xnet/sts/invchg1/Alerts")) >= 2
	}, waitFor, tick)
	last, _ := h.rec.Last("xnet/sts/invchg1/Alerts")
	assert.JSONEq(t, `{"faults":[],"warnings":[]}`, last)
}

func TestCommandSentWithInstance(t *testing.T) {
	h := newHarness(t)
	n := inverterNode(t, h, 5, "3")

	d := h.start(t, 5)
	h.waitRetained(t, "xnet/sts/invchg3/status", "online")

	require.NoError(t, d.HandleCommand("InverterEnable", "On"))

	cmds := n.Commands()
	require.NotEmpty(t, cmds)
	last := cmds[len(cmds)-1]
	assert.Equal(t, "InvCmd", last.Mnemonic())
	v, err := last.Value("InvEn")
	require.NoError(t, err)
	assert.Equal(t, "On", v)
	inst, err := last.Raw("Inst")
	require.NoError(t, err)
	assert.EqualValues(t, 3, inst)
}

func TestUnknownCommandParameter(t *testing.T) {
	h := newHarness(t)
	n := inverterNode(t, h, 5, "1")

	d := h.start(t, 5)
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	err := d.HandleCommand("WarpDrive", "On")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownParameter)
	assert.ErrorIs(t, err, mapping.ErrNoMapping)
	assert.Empty(t, n.Commands())
}

func TestNakAttributedToLastCommand(t *testing.T) {
	h := newHarness(t)
	n := inverterNode(t, h, 5, "1")

	d := h.start(t, 5)
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")

	n.NakNext("Out Of Range")
	require.NoError(t, d.HandleCommand("ChargerEnable", "On"))

	require.Eventually(t, func() bool { return len(h.rec.On("xnet/sts/invchg1/Nak")) == 1 }, waitFor, tick)
	var got map[string]string
	require.NoError(t, json.Unmarshal([]byte(h.rec.On("xnet/sts/invchg1/Nak")[0]), &got))
	assert.Equal(t, map[string]string{"param": "ChargerEnable", "value": "On", "reason": "Out Of Range"}, got)

	// A refusal of some other PGN is not attributed.
	ack, err := h.db.New(rvc.MnemIsoAck)
	require.NoError(t, err)
	require.NoError(t, ack.Set("CtrlByte", "Nak"))
	require.NoError(t, ack.SetRaw("ParmGrpNum", 0x1FFD4))
	ack.Source = 5
	h.net.Inject(ack)

	require.Eventually(t, func() bool { return h.counter(t, "rvc2mqtt_naks_total") == 2 }, waitFor, tick)
	assert.Len(t, h.rec.On("xnet/sts/invchg1/Nak"), 1)
}

func bmsNode(t *testing.T, h *harness, addr uint8) *rvcsim.Node {
	t.Helper()
	n := h.node(t, addr, "0884-0310-12")
	require.NoError(t, n.SetStatus("BattSts6", map[string]string{
		"DcInst": "1", "BattInst": "2", "HiVoltLimitSts": "Off",
	}))
	return n
}

func TestFlagAlertsFollowBattSts6(t *testing.T) {
	h := newHarness(t)
	n := bmsNode(t, h, 20)

	d := h.start(t, 20)
	h.waitRetained(t, "xnet/sts/bank1batt2/status", "online")

	require.NoError(t, n.SetStatus("BattSts6", map[string]string{
		"DcInst": "1", "BattInst": "2", "HiVoltLimitSts": "On",
	}))
	require.NoError(t, n.Broadcast("BattSts6"))
	require.NoError(t, n.Broadcast("BattSts6"))

	require.Eventually(t, func() bool {
		_, w := d.AlertCounts()
		return w == 1
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		last, _ := h.rec.Last("xnet/sts/bank1batt2/Alerts")
		var doc struct {
			Warnings []struct {
				Code int `json:"code"`
			} `json:"warnings"`
		}
		return json.Unmarshal([]byte(last), &doc) == nil && len(doc.Warnings) == 1
	}, waitFor, tick)

	require.NoError(t, n.SetStatus("BattSts6", map[string]string{
		"DcInst": "1", "BattInst": "2", "HiVoltLimitSts": "Off",
	}))
	require.NoError(t, n.Broadcast("BattSts6"))
	require.Eventually(t, func() bool {
		_, w := d.AlertCounts()
		return w == 0
	}, waitFor, tick)
}

func TestPpnReadsAndSerialAssembly(t *testing.T) {
	h := newHarness(t, "bank1batt2/ChgVoltLimit", "bank1batt2/BpcSerialNum")
	n := bmsNode(t, h, 20)
	n.SetParam("ChgVoltLimit", "56")
	n.SetParam("BpcSerialNum1", "1234")
	n.SetParam("BpcSerialNum2", "5678")

	h.start(t, 20)

	h.waitValue(t, "xnet/sts/bank1batt2/ChgVoltLimit", "56")
	h.waitValue(t, "xnet/sts/bank1batt2/BpcSerialNum", "12345678")
	assert.Contains(t, n.Requests(), "PmPpnReadCmd:BpcSerialNum1")
	assert.Contains(t, n.Requests(), "PmPpnReadCmd:BpcSerialNum2")
}

func TestPpnWriteQueuedInsideSession(t *testing.T) {
	h := newHarness(t)
	n := bmsNode(t, h, 20)

	d := h.start(t, 20)
	h.waitRetained(t, "xnet/sts/bank1batt2/status", "online")

	require.NoError(t, d.HandleCommand("ChgCurrLimit", "100"))
	require.Eventually(t, func() bool { return n.Param("ChgCurrLimit") == "100" }, waitFor, tick)

	require.Eventually(t, func() bool { return len(n.Commands()) >= 3 }, waitFor, tick)
	var seq []string
	for _, c := range n.Commands() {
		v := c.Mnemonic()
		if c.Mnemonic() == rvc.MnemPpnSession {
			s, _ := c.Value("Session")
			v += ":" + s
		}
		seq = append(seq, v)
	}
	assert.Equal(t, []string{"PmPpnSessionCmd:On", "PmPpnWriteCmd", "PmPpnSessionCmd:Off"}, seq[:3])
}

func TestDcSourceMessagesRouted(t *testing.T) {
	h := newHarness(t)
	n := bmsNode(t, h, 20)
	require.NoError(t, n.SetStatus("DCSrcSts1", map[string]string{"Inst": "1", "DevPri": "100", "DcV": "13.2"}))

	h.start(t, 20)
	h.waitRetained(t, "xnet/sts/bank1batt2/status", "online")

	require.NoError(t, n.Broadcast("DCSrcSts1"))
	require.Eventually(t, func() bool { return h.coord.dcCount() == 1 }, waitFor, tick)
}

func TestInheritedManagerSkipsIdentification(t *testing.T) {
	h := newHarness(t)
	n := inverterNode(t, h, 5, "1")

	first := h.start(t, 5)
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	first.Close()

	require.NoError(t, h.net.Move(5, 6))
	before := len(n.Requests())
	published := len(h.rec.On("xnet/sts/invchg1/Alerts"))

	conn, err := h.net.Connect(6)
	require.NoError(t, err)
	d := New(conn, testConfig(), h.deps)
	d.Inherit(first)
	d.Start(context.Background())
	t.Cleanup(d.Close)

	assert.Equal(t, "invchg1", d.Name())
	require.Eventually(t, func() bool { return len(h.rec.On("xnet/sts/invchg1/Alerts")) > published }, waitFor, tick)
	for _, r := range n.Requests()[before:] {
		assert.NotEqual(t, rvc.MnemProdIdent, r)
	}
}

func TestVirtualManagerPublishesOnly(t *testing.T) {
	h := newHarness(t)
	model, err := h.deps.Tables.Model("0884-0310-12")
	require.NoError(t, err)

	v := NewVirtual("bank1", InstanceKey{Inst: 1}, model, testConfig(), h.deps)
	v.UpdateSubscriptions([]string{"bank*/DcVoltage", "*batt*/HiVoltLimitSts"})
	assert.Equal(t, []string{"DcVoltage"}, v.Subscribed())

	msg, err := h.db.New("DCSrcSts1")
	require.NoError(t, err)
	require.NoError(t, msg.Set("Inst", "1"))
	require.NoError(t, msg.Set("DcV", "13.25"))

	require.NoError(t, v.HandleMessage(context.Background(), msg))
	last, ok := h.rec.Last("xnet/sts/bank1/DcVoltage")
	require.True(t, ok)
	assert.Equal(t, "13.25 V", last)
	assert.Zero(t, h.coord.dcCount())

	err = v.HandleCommand("ChgVoltLimit", "56")
	assert.True(t, errors.Is(err, ErrNoConnection))
	v.Close()
}

func TestRequestRetryCountsEveryAttempt(t *testing.T) {
	h := newHarness(t)
	n := inverterNode(t, h, 5, "1")

	d := h.start(t, 5)
	h.waitRetained(t, "xnet/sts/invchg1/status", "online")
	n.Mute(true)

	before := h.counter(t, "rvc2mqtt_request_timeouts_total")
	err := d.requestRetry(context.Background(), func() (*rvc.Message, error) {
		return h.db.NewRequest("ChgSts", 5)
	}, "ChgSts", 10*time.Millisecond, 3)
	require.ErrorIs(t, err, rvc.ErrRequestTimeout)
	assert.Equal(t, before+3, h.counter(t, "rvc2mqtt_request_timeouts_total"))
}

func TestOpStateFolding(t *testing.T) {
	tests := []struct {
		mode, inv, chg, want string
	}{
		{"Operating", "Invert", "Disabled", "Inverting"},
		{"Operating", "Invert", "Float", "Charging"},
		{"Power Save", "Invert", "Bulk", "Safe"},
		{"Operating", "AC Passthru", "Do Not Charge", "AC Passthru"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InvChgOpState(tt.mode, tt.inv, tt.chg))
	}
	assert.Equal(t, "Inverting", InvOpState("Invert"))
	assert.Equal(t, "Load Sense", InvOpState("Load Sense"))
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "invchg1", DisplayName("invchg", InstanceKey{Inst: 1}, 5, false))
	assert.Equal(t, "invchg1_node5", DisplayName("invchg", InstanceKey{Inst: 1}, 5, true))
	assert.Equal(t, "bank1batt2", DisplayName("bms", InstanceKey{Inst: 1, Inst2: 2, Aggregate: true}, 20, false))
	assert.Equal(t, "bank3", BankName(3))
}
