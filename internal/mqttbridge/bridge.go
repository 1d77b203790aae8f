// Package mqttbridge exposes a diffuser session over MQTT: the device state
// is published as retained JSON and commands arrive on per-field topics.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/serenescent/internal/ble/protocol"
	"github.com/chaz8081/serenescent/internal/device"
	"github.com/chaz8081/serenescent/internal/session"
)

// Pending is an accepted command whose outcome is not yet known.
type Pending interface {
	Wait(ctx context.Context) error
}

// Controller is the session surface the bridge drives.
type Controller interface {
	State() device.State
	ConnState() session.ConnState
	Subscribe() (<-chan session.Event, func())
	SetPower(on bool) (Pending, error)
	SetIntensity(level protocol.Intensity) (Pending, error)
	SetColor(c protocol.Color) (Pending, error)
	SetSchedule(enabled bool) (Pending, error)
	SetPolling(enabled bool)
}

// FromSession adapts a session to Controller.
func FromSession(s *session.Session) Controller {
	return sessionController{s}
}

type sessionController struct {
	s *session.Session
}

func pending(c *session.Call, err error) (Pending, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (c sessionController) State() device.State {
	return c.s.State()
}

func (c sessionController) ConnState() session.ConnState {
	return c.s.ConnState()
}

func (c sessionController) Subscribe() (<-chan session.Event, func()) {
	return c.s.Subscribe()
}

func (c sessionController) SetPolling(enabled bool) {
	c.s.SetPolling(enabled)
}

func (c sessionController) SetPower(on bool) (Pending, error) {
	return pending(c.s.SetPower(on))
}

func (c sessionController) SetIntensity(level protocol.Intensity) (Pending, error) {
	return pending(c.s.SetIntensity(level))
}

func (c sessionController) SetColor(col protocol.Color) (Pending, error) {
	return pending(c.s.SetColor(col))
}

func (c sessionController) SetSchedule(enabled bool) (Pending, error) {
	return pending(c.s.SetSchedule(enabled))
}

// Options configures a Bridge.
type Options struct {
	Topics Topics
	QoS    byte
	Retain bool
	// CommandTimeout bounds how long the bridge waits for a command's
	// outcome before giving up on reporting it.
	CommandTimeout time.Duration
	Logger         *slog.Logger
}

// Bridge mirrors one session onto MQTT.
type Bridge struct {
	client Client
	ctrl   Controller
	opts   Options
	log    *slog.Logger

	mu         sync.Mutex
	monitoring bool
	available  string
	stopping   bool // guards wg.Add once Run is draining

	wg sync.WaitGroup
}

// StatePayload is the JSON published on the state topic.
type StatePayload struct {
	Power      string `json:"power"`
	Intensity  string `json:"intensity"`
	Color      string `json:"color"`
	Schedule   string `json:"schedule"`
	Mode       string `json:"mode"`
	Monitoring string `json:"monitoring"`
	Connection string `json:"connection"`
}

// ErrorPayload is the JSON published on the error topic.
type ErrorPayload struct {
	Command string `json:"command"`
	Value   string `json:"value"`
	Error   string `json:"error"`
}

// New creates a bridge. Call Run to start it.
func New(client Client, ctrl Controller, opts Options) *Bridge {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	return &Bridge{
		client:     client,
		ctrl:       ctrl,
		opts:       opts,
		log:        opts.Logger,
		monitoring: true,
	}
}

// Run subscribes to the command topics and publishes state and availability
// until ctx ends, then marks the device offline.
func (b *Bridge) Run(ctx context.Context) error {
	events, unsubscribe := b.ctrl.Subscribe()
	defer unsubscribe()

	if err := b.client.Subscribe(b.opts.Topics.SetWildcard(), b.opts.QoS, b.onMessage); err != nil {
		return err
	}
	b.log.Info("[MQTT] bridge running", "topics", b.opts.Topics.SetWildcard())
	b.Resync()

	defer func() {
		b.mu.Lock()
		b.stopping = true
		b.mu.Unlock()
		b.wg.Wait()
		b.publishAvailability(PayloadOffline, true)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b.handleEvent(ev)
		}
	}
}

// Resync republishes availability and state; used after the broker
// connection is re-established.
func (b *Bridge) Resync() {
	if b.ctrl.ConnState() == session.Connected {
		b.publishAvailability(PayloadOnline, true)
	}
	b.publishState()
}

func (b *Bridge) handleEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventState:
		b.publishState()
	case session.EventConnection:
		switch {
		case ev.Conn == session.Connected:
			b.publishAvailability(PayloadOnline, false)
		case ev.Conn == session.Disconnected && ev.Err != nil:
			// Only exhausted connect rounds make the device unavailable.
			b.publishAvailability(PayloadOffline, false)
		}
		b.publishState()
	}
}

func (b *Bridge) publishAvailability(payload string, force bool) {
	b.mu.Lock()
	if b.available == payload && !force {
		b.mu.Unlock()
		return
	}
	b.available = payload
	b.mu.Unlock()

	if err := b.client.Publish(b.opts.Topics.Availability(), b.opts.QoS, true, []byte(payload)); err != nil {
		b.log.Warn("[MQTT] publish availability", "err", err)
	}
}

func (b *Bridge) publishState() {
	st := b.ctrl.State()
	if !st.Known {
		return
	}
	b.mu.Lock()
	monitoring := b.monitoring
	b.mu.Unlock()

	data, err := json.Marshal(newStatePayload(st, monitoring, b.ctrl.ConnState()))
	if err != nil {
		b.log.Error("[MQTT] encode state", "err", err)
		return
	}
	if err := b.client.Publish(b.opts.Topics.State(), b.opts.QoS, b.opts.Retain, data); err != nil {
		b.log.Warn("[MQTT] publish state", "err", err)
	}
}

func newStatePayload(st device.State, monitoring bool, conn session.ConnState) StatePayload {
	return StatePayload{
		Power:      onOff(st.Power),
		Intensity:  st.Intensity.String(),
		Color:      st.Color.String(),
		Schedule:   onOff(st.ScheduleEnabled),
		Mode:       st.Mode.String(),
		Monitoring: onOff(monitoring),
		Connection: conn.String(),
	}
}

func onOff(v bool) string {
	if v {
		return "ON"
	}
	return "OFF"
}

func parseOnOff(payload string) (bool, error) {
	switch strings.ToUpper(strings.TrimSpace(payload)) {
	case "ON", "TRUE", "1":
		return true, nil
	case "OFF", "FALSE", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q is not ON or OFF", ErrBadPayload, payload)
	}
}

func (b *Bridge) onMessage(topic string, payload []byte) {
	if err := b.HandleCommand(topic, payload); err != nil {
		b.log.Warn("[MQTT] command rejected", "topic", topic, "err", err)
	}
}

// HandleCommand applies one command message. Parse failures and values the
// device cannot take are reported on the error topic and returned.
func (b *Bridge) HandleCommand(topic string, payload []byte) error {
	name, ok := b.opts.Topics.CommandName(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	if b.isStopping() {
		return ErrStopped
	}
	value := strings.TrimSpace(string(payload))
	b.log.Debug("[MQTT] command", "command", name, "value", value)

	p, err := b.dispatch(name, value)
	if err != nil {
		if !errors.Is(err, ErrUnknownTopic) {
			b.publishError(name, value, err)
		}
		return err
	}
	if p != nil {
		b.await(name, value, p)
	}
	return nil
}

func (b *Bridge) dispatch(name, value string) (Pending, error) {
	switch name {
	case CommandPower:
		on, err := parseOnOff(value)
		if err != nil {
			return nil, err
		}
		return b.ctrl.SetPower(on)

	case CommandIntensity:
		level, err := protocol.ParseIntensity(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
		}
		return b.ctrl.SetIntensity(level)

	case CommandColor:
		c, err := protocol.ParseColor(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBadPayload, err)
		}
		return b.ctrl.SetColor(c)

	case CommandSchedule:
		on, err := parseOnOff(value)
		if err != nil {
			return nil, err
		}
		return b.ctrl.SetSchedule(on)

	case CommandMonitoring:
		on, err := parseOnOff(value)
		if err != nil {
			return nil, err
		}
		b.ctrl.SetPolling(on)
		b.mu.Lock()
		b.monitoring = on
		b.mu.Unlock()
		b.publishState()
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: set/%s", ErrUnknownTopic, name)
	}
}

// await reports the outcome of an accepted command in the background.
func (b *Bridge) await(name, value string, p Pending) {
	b.mu.Lock()
	if b.stopping {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.CommandTimeout)
		defer cancel()
		if err := p.Wait(ctx); err != nil {
			b.log.Warn("[MQTT] command failed", "command", name, "value", value, "err", err)
			b.publishError(name, value, err)
		}
	}()
}

func (b *Bridge) isStopping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopping
}

func (b *Bridge) publishError(name, value string, cause error) {
	data, err := json.Marshal(ErrorPayload{Command: name, Value: value, Error: cause.Error()})
	if err != nil {
		return
	}
	if err := b.client.Publish(b.opts.Topics.Error(), b.opts.QoS, false, data); err != nil {
		b.log.Warn("[MQTT] publish error", "err", err)
	}
}
