package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotConnected is returned by Link.Write after the link has dropped.
var ErrNotConnected = errors.New("ble: not connected")

// Link is an established connection to one diffuser: a command channel, a
// notification stream and disconnect reporting.
type Link interface {
	// Write sends one command frame.
	Write(data []byte) error
	// Subscribe routes notifications from the device to cb.
	Subscribe(cb func(data []byte)) error
	// Unsubscribe stops notification delivery.
	Unsubscribe() error
	// IsConnected reports whether the link is still up.
	IsConnected() bool
	// OnDisconnect registers a callback invoked once when the link drops
	// without Disconnect having been called.
	OnDisconnect(cb func())
	// Disconnect releases the link. Safe to call more than once.
	Disconnect() error
}

// Transport dials one device address through an Adapter.
type Transport struct {
	adapter Adapter
	address string

	enableOnce sync.Once
	enableErr  error
}

// NewTransport creates a transport for the device at address. The address is
// already resolved; the transport never scans.
func NewTransport(adapter Adapter, address string) *Transport {
	return &Transport{adapter: adapter, address: address}
}

// Address returns the device address this transport dials.
func (t *Transport) Address() string { return t.address }

// Connect enables the adapter on first use, connects, and discovers the
// TX and RX characteristics.
func (t *Transport) Connect(ctx context.Context) (Link, error) {
	t.enableOnce.Do(func() {
		t.enableErr = t.adapter.Enable()
	})
	if t.enableErr != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", t.enableErr)
	}

	conn, err := t.adapter.Connect(ctx, t.address)
	if err != nil {
		return nil, err
	}

	tx, err := conn.DiscoverCharacteristic(ServiceUUID, TXCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("ble: discover TX characteristic: %w", err)
	}
	rx, err := conn.DiscoverCharacteristic(ServiceUUID, RXCharUUID)
	if err != nil {
		_ = conn.Disconnect()
		return nil, fmt.Errorf("ble: discover RX characteristic: %w", err)
	}

	l := &link{conn: conn, tx: tx, rx: rx, connected: true}
	conn.OnDisconnect(l.dropped)

	slog.Info("[BLE] connected", "address", t.address)
	return l, nil
}

type link struct {
	conn Connection
	tx   Characteristic
	rx   Characteristic

	mu           sync.Mutex
	connected    bool
	subscribed   bool
	disconnectCb func()
}

func (l *link) Write(data []byte) error {
	l.mu.Lock()
	ok := l.connected
	l.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return l.tx.Write(data)
}

func (l *link) Subscribe(cb func([]byte)) error {
	if err := l.rx.Subscribe(cb); err != nil {
		return fmt.Errorf("ble: subscribe to notifications: %w", err)
	}
	l.mu.Lock()
	l.subscribed = true
	l.mu.Unlock()
	return nil
}

func (l *link) Unsubscribe() error {
	l.mu.Lock()
	if !l.subscribed {
		l.mu.Unlock()
		return nil
	}
	l.subscribed = false
	l.mu.Unlock()
	return l.rx.Unsubscribe()
}

func (l *link) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *link) OnDisconnect(cb func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnectCb = cb
}

func (l *link) Disconnect() error {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return nil
	}
	l.connected = false
	l.disconnectCb = nil
	l.mu.Unlock()
	return l.conn.Disconnect()
}

// dropped handles a disconnect reported by the stack.
func (l *link) dropped() {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	cb := l.disconnectCb
	l.mu.Unlock()

	slog.Warn("[BLE] link dropped")
	if cb != nil {
		cb()
	}
}
