package tele

import (
	"context"

	tele_config "github.com/temoto/escmeter/internal/tele/config"
	"github.com/temoto/escmeter/log2"
)

const (
	KindTelemetry = "telemetry"
	KindBattery   = "battery"
	KindLink      = "link"
	KindError     = "error"
	KindOnline    = "online"
)

// Tele transport contract:
// - Init fails only with invalid config, ignores network errors
// - Publish delivers within timeout or fails; success includes ack from broker
// - application may start without network available
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error
	Publish(kind string, payload []byte) bool
	Close()
}

func Topic(c tele_config.Config, kind string) string {
	if c.TopicPrefix == "" {
		return c.MqttClientId + "/" + kind
	}
	return c.TopicPrefix + "/" + c.MqttClientId + "/" + kind
}
