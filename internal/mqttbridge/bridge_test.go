package mqttbridge

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/serenescent/internal/ble/protocol"
	"github.com/chaz8081/serenescent/internal/device"
	"github.com/chaz8081/serenescent/internal/session"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

type fakeClient struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]Handler
}

func newFakeClient() *fakeClient {
	return &fakeClient{handlers: make(map[string]Handler)}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic, qos, retained, string(payload)})
	return nil
}

func (c *fakeClient) Subscribe(topic string, _ byte, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
	return nil
}

func (c *fakeClient) Close() {}

func (c *fakeClient) on(topic string) []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []published
	for _, m := range c.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeClient) last(topic string) (published, bool) {
	msgs := c.on(topic)
	if len(msgs) == 0 {
		return published{}, false
	}
	return msgs[len(msgs)-1], true
}

func (c *fakeClient) subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

type fakePending struct {
	err error
}

func (p fakePending) Wait(context.Context) error { return p.err }

type fakeController struct {
	mu      sync.Mutex
	state   device.State
	conn    session.ConnState
	events  chan session.Event
	calls   []string
	polling *bool
	result  error
}

func newFakeController() *fakeController {
	return &fakeController{
		state: device.State{
			Known:     true,
			Power:     true,
			Intensity: protocol.IntensityHigh,
			Color:     protocol.ColorRed,
			Mode:      protocol.ModeHome,
		},
		conn:   session.Connected,
		events: make(chan session.Event, 8),
	}
}

func (f *fakeController) record(call string) (Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return fakePending{err: f.result}, nil
}

func (f *fakeController) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) State() device.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeController) ConnState() session.ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *fakeController) Subscribe() (<-chan session.Event, func()) {
	return f.events, func() {}
}

func (f *fakeController) SetPower(on bool) (Pending, error) {
	return f.record("power:" + onOff(on))
}

func (f *fakeController) SetIntensity(level protocol.Intensity) (Pending, error) {
	return f.record("intensity:" + level.String())
}

func (f *fakeController) SetColor(c protocol.Color) (Pending, error) {
	return f.record("color:" + c.String())
}

func (f *fakeController) SetSchedule(enabled bool) (Pending, error) {
	return f.record("schedule:" + onOff(enabled))
}

func (f *fakeController) SetPolling(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polling = &enabled
}

var testTopics = Topics{Prefix: "serenescent", DeviceID: "bedroom"}

func newTestBridge(client Client, ctrl Controller) *Bridge {
	return New(client, ctrl, Options{
		Topics: testTopics,
		QoS:    1,
		Retain: true,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func runBridge(t *testing.T, b *Bridge) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("bridge did not stop")
		}
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "serenescent/bedroom/state", testTopics.State())
	assert.Equal(t, "serenescent/bedroom/availability", testTopics.Availability())
	assert.Equal(t, "serenescent/bedroom/error", testTopics.Error())
	assert.Equal(t, "serenescent/bedroom/set/color", testTopics.Set(CommandColor))
	assert.Equal(t, "serenescent/bedroom/set/+", testTopics.SetWildcard())

	name, ok := testTopics.CommandName("serenescent/bedroom/set/power")
	assert.True(t, ok)
	assert.Equal(t, CommandPower, name)

	for _, topic := range []string{
		"serenescent/other/set/power",
		"serenescent/bedroom/set/",
		"serenescent/bedroom/set/a/b",
		"serenescent/bedroom/state",
	} {
		_, ok := testTopics.CommandName(topic)
		assert.False(t, ok, topic)
	}
}

func TestRunPublishesStateAndAvailability(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	stop := runBridge(t, newTestBridge(client, ctrl))

	require.Eventually(t, func() bool { return client.subscribed(testTopics.SetWildcard()) }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(client.on(testTopics.State())) > 0 }, time.Second, 5*time.Millisecond)

	avail, ok := client.last(testTopics.Availability())
	require.True(t, ok)
	assert.Equal(t, PayloadOnline, avail.payload)
	assert.True(t, avail.retained)

	msg, _ := client.last(testTopics.State())
	assert.True(t, msg.retained)
	var st StatePayload
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &st))
	assert.Equal(t, StatePayload{
		Power:      "ON",
		Intensity:  "high",
		Color:      "red",
		Schedule:   "OFF",
		Mode:       "home",
		Monitoring: "ON",
		Connection: "connected",
	}, st)

	stop()
	avail, _ = client.last(testTopics.Availability())
	assert.Equal(t, PayloadOffline, avail.payload)
}

func TestStateEventRepublishes(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	stop := runBridge(t, newTestBridge(client, ctrl))
	defer stop()

	require.Eventually(t, func() bool { return len(client.on(testTopics.State())) == 1 }, time.Second, 5*time.Millisecond)

	ctrl.mu.Lock()
	ctrl.state.Color = protocol.ColorGreen
	ctrl.mu.Unlock()
	ctrl.events <- session.Event{Kind: session.EventState, Delta: device.Delta{Fields: device.FieldColor}}

	require.Eventually(t, func() bool { return len(client.on(testTopics.State())) == 2 }, time.Second, 5*time.Millisecond)
	msg, _ := client.last(testTopics.State())
	var st StatePayload
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &st))
	assert.Equal(t, "green", st.Color)
}

func TestOfflineOnlyAfterConnectionError(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	stop := runBridge(t, newTestBridge(client, ctrl))
	defer stop()

	require.Eventually(t, func() bool { return len(client.on(testTopics.Availability())) == 1 }, time.Second, 5*time.Millisecond)

	ctrl.events <- session.Event{Kind: session.EventConnection, Conn: session.Reconnecting}
	ctrl.events <- session.Event{Kind: session.EventConnection, Conn: session.Disconnected}
	ctrl.events <- session.Event{Kind: session.EventConnection, Conn: session.Disconnected, Err: session.ErrConnection}

	require.Eventually(t, func() bool { return len(client.on(testTopics.Availability())) == 2 }, time.Second, 5*time.Millisecond)
	avail, _ := client.last(testTopics.Availability())
	assert.Equal(t, PayloadOffline, avail.payload)

	ctrl.events <- session.Event{Kind: session.EventConnection, Conn: session.Connected}
	require.Eventually(t, func() bool { return len(client.on(testTopics.Availability())) == 3 }, time.Second, 5*time.Millisecond)
	avail, _ = client.last(testTopics.Availability())
	assert.Equal(t, PayloadOnline, avail.payload)
}

func TestHandleCommandDispatch(t *testing.T) {
	tests := []struct {
		command string
		payload string
		want    string
	}{
		{CommandPower, "ON", "power:ON"},
		{CommandPower, "off", "power:OFF"},
		{CommandIntensity, "Medium", "intensity:medium"},
		{CommandColor, "violet", "color:violet"},
		{CommandSchedule, "true", "schedule:ON"},
	}
	for _, tt := range tests {
		t.Run(tt.command+"="+tt.payload, func(t *testing.T) {
			client := newFakeClient()
			ctrl := newFakeController()
			b := newTestBridge(client, ctrl)

			require.NoError(t, b.HandleCommand(testTopics.Set(tt.command), []byte(tt.payload)))
			assert.Equal(t, []string{tt.want}, ctrl.recorded())
			b.wg.Wait()
			assert.Empty(t, client.on(testTopics.Error()))
		})
	}
}

func TestHandleCommandBadPayload(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	b := newTestBridge(client, ctrl)

	err := b.HandleCommand(testTopics.Set(CommandIntensity), []byte("extreme"))
	require.ErrorIs(t, err, ErrBadPayload)
	require.ErrorIs(t, err, protocol.ErrUnsupportedValue)

	err = b.HandleCommand(testTopics.Set(CommandPower), []byte("maybe"))
	require.ErrorIs(t, err, ErrBadPayload)
	assert.Empty(t, ctrl.recorded())

	errs := client.on(testTopics.Error())
	require.Len(t, errs, 2)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(errs[0].payload), &payload))
	assert.Equal(t, CommandIntensity, payload.Command)
	assert.Equal(t, "extreme", payload.Value)
	assert.False(t, errs[0].retained)
}

func TestHandleCommandUnknownTopic(t *testing.T) {
	client := newFakeClient()
	b := newTestBridge(client, newFakeController())

	require.ErrorIs(t, b.HandleCommand("serenescent/bedroom/set/fan", []byte("ON")), ErrUnknownTopic)
	require.ErrorIs(t, b.HandleCommand("elsewhere/topic", []byte("ON")), ErrUnknownTopic)
	assert.Empty(t, client.on(testTopics.Error()))
}

func TestFailedCommandPublishesError(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	ctrl.result = session.ErrCommandTimeout
	b := newTestBridge(client, ctrl)

	require.NoError(t, b.HandleCommand(testTopics.Set(CommandColor), []byte("blue")))
	b.wg.Wait()

	msg, ok := client.last(testTopics.Error())
	require.True(t, ok)
	var payload ErrorPayload
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &payload))
	assert.Equal(t, CommandColor, payload.Command)
	assert.Equal(t, "blue", payload.Value)
	assert.Contains(t, payload.Error, "timed out")
}

func TestCommandsRejectedAfterStop(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	ctrl.result = session.ErrCommandTimeout
	b := newTestBridge(client, ctrl)
	stop := runBridge(t, b)
	require.Eventually(t, func() bool { return client.subscribed(testTopics.SetWildcard()) }, time.Second, 5*time.Millisecond)
	stop()

	err := b.HandleCommand(testTopics.Set(CommandPower), []byte("ON"))
	require.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, ctrl.recorded())

	// An outcome handed over after draining is not tracked.
	b.await(CommandColor, "red", fakePending{err: session.ErrCommandTimeout})
	b.wg.Wait()
	assert.Empty(t, client.on(testTopics.Error()))
}

func TestMonitoringTogglesPolling(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	b := newTestBridge(client, ctrl)

	require.NoError(t, b.HandleCommand(testTopics.Set(CommandMonitoring), []byte("OFF")))
	require.NotNil(t, ctrl.polling)
	assert.False(t, *ctrl.polling)

	msg, ok := client.last(testTopics.State())
	require.True(t, ok)
	var st StatePayload
	require.NoError(t, json.Unmarshal([]byte(msg.payload), &st))
	assert.Equal(t, "OFF", st.Monitoring)
}

func TestUnknownStateNotPublished(t *testing.T) {
	client := newFakeClient()
	ctrl := newFakeController()
	ctrl.state = device.State{}
	b := newTestBridge(client, ctrl)

	b.Resync()
	assert.Empty(t, client.on(testTopics.State()))
}
