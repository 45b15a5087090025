package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.MessageReceived("InvSts")
	m.Published(KindValue)
	m.RequestTimedOut("InvSts")
	m.NakReceived()
	m.Command(CommandSent)
	m.SetDevices(3)
	m.SetVirtualDevices(1)
	m.SetDuplicates(2)
	m.SetBankPriorities(map[uint64]uint64{1: 7})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.MessageReceived("InvSts")
	m.MessageReceived("InvSts")
	m.Published(KindAlerts)
	m.Command(CommandUnknownDevice)
	m.SetDevices(4)
	m.NakReceived()
	m.SetBankPriorities(map[uint64]uint64{1: 7, 2: 3})
	m.SetBankPriorities(map[uint64]uint64{1: 5})

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	assert.Equal(t, 2.0, values["rvc2mqtt_messages_received_total"])
	assert.Equal(t, 1.0, values["rvc2mqtt_publishes_total"])
	assert.Equal(t, 1.0, values["rvc2mqtt_commands_total"])
	assert.Equal(t, 4.0, values["rvc2mqtt_devices_live"])
	assert.Equal(t, 1.0, values["rvc2mqtt_naks_total"])
	assert.Equal(t, 5.0, values["rvc2mqtt_bank_priority"], "stale banks are dropped")

	_, err = New(reg)
	assert.Error(t, err, "second registration must fail")
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)
	m.SetVirtualDevices(2)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "rvc2mqtt_virtual_devices_live 2")
}
