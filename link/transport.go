package link

import (
	"context"
	"fmt"

	"github.com/temoto/escmeter/protocol"
)

type Channel uint8

const (
	ChannelData Channel = iota
	ChannelBattery
	ChannelConfig
	ChannelCommand
	ChannelSpecialCommand
	ChannelSpecialResponse
	channelCount
)

var channelNames = [channelCount]string{"data", "battery", "config", "command", "special-command", "special-response"}
var channelUUIDs = [channelCount]string{
	protocol.CharDataUUID,
	protocol.CharBatteryUUID,
	protocol.CharConfigUUID,
	protocol.CharCommandUUID,
	protocol.CharSpecialCommandUUID,
	protocol.CharSpecialResponseUUID,
}

var mandatoryChannels = []Channel{ChannelData, ChannelBattery, ChannelConfig, ChannelCommand}
var specialChannels = []Channel{ChannelSpecialCommand, ChannelSpecialResponse}

func (c Channel) String() string {
	if c < channelCount {
		return channelNames[c]
	}
	return fmt.Sprintf("channel(%d)", uint8(c))
}

// UUID is GATT characteristic identifier of channel.
func (c Channel) UUID() string {
	if c < channelCount {
		return channelUUIDs[c]
	}
	return ""
}

func ChannelByUUID(uuid string) (Channel, bool) {
	for i, u := range channelUUIDs {
		if u == uuid {
			return Channel(i), true
		}
	}
	return channelCount, false
}

type Device struct {
	Id      string // stable identity, e.g. MAC address
	Name    string
	Address string
}

func (d Device) String() string { return fmt.Sprintf("%s (%s)", d.Name, d.Id) }

// Transport is physical link to power meter, e.g. BLE GATT.
type Transport interface {
	// Select picks device to connect.
	Select(ctx context.Context) (Device, error)
	Open(ctx context.Context, dev Device) (Conn, error)
	// Release tears down OS level connection handle possibly left after failed Open.
	Release(ctx context.Context, dev Device) error
}

// Conn is one open transport connection.
type Conn interface {
	// Characteristic returns error if device does not provide channel.
	Characteristic(ctx context.Context, ch Channel) (Characteristic, error)
	// OnDisconnect fn is called when peer or OS drops connection, also after Close.
	OnDisconnect(fn func()) Subscription
	Close() error
}

type Characteristic interface {
	Write(ctx context.Context, b []byte) error
	// Subscribe enables notifications. Same Subscription must be used to remove listener.
	Subscribe(ctx context.Context, fn func([]byte)) (Subscription, error)
}

type Subscription interface {
	Cancel() error
}

type SubscriptionFunc func() error

func (f SubscriptionFunc) Cancel() error { return f() }
