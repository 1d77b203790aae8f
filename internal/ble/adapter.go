// Package ble provides the Bluetooth Low Energy transport for SereneScent
// diffusers. It connects to a resolved device address, locates the command
// and notification characteristics, and exposes the result as a Link.
package ble

import "context"

// SereneScent GATT UUIDs
const (
	ServiceUUID = "53527aa4-29f7-ae11-4e74-997334782568"
	TXCharUUID  = "ee684b1a-1e9b-ed3e-ee55-f894667e92ac" // write, commands to the device
	RXCharUUID  = "654b749c-e37f-ae1f-ebab-40ca133e3690" // notify, responses from the device
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}
