package mqttbridge

import (
	"fmt"
	"strings"
)

// Command topic suffixes under <prefix>/<id>/set/.
const (
	CommandPower      = "power"
	CommandIntensity  = "intensity"
	CommandColor      = "color"
	CommandSchedule   = "schedule"
	CommandMonitoring = "monitoring"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds the topic tree for one diffuser:
//
//	<prefix>/<id>/state         retained JSON snapshot
//	<prefix>/<id>/availability  online/offline, also the last will
//	<prefix>/<id>/error         one-shot command failures
//	<prefix>/<id>/set/<name>    commands
type Topics struct {
	Prefix   string
	DeviceID string
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", t.Prefix, t.DeviceID)
}

// State returns the state topic.
func (t Topics) State() string { return t.base() + "/state" }

// Availability returns the availability topic.
func (t Topics) Availability() string { return t.base() + "/availability" }

// Error returns the command error topic.
func (t Topics) Error() string { return t.base() + "/error" }

// Set returns the command topic for name.
func (t Topics) Set(name string) string { return t.base() + "/set/" + name }

// SetWildcard matches every command topic.
func (t Topics) SetWildcard() string { return t.base() + "/set/+" }

// CommandName extracts the command name from a command topic.
func (t Topics) CommandName(topic string) (string, bool) {
	name, ok := strings.CutPrefix(topic, t.base()+"/set/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
