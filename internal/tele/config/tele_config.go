// Separate package is workaround to import cycles.
package tele_config

type Config struct { //nolint:maligned
	Enabled           bool   `hcl:"enable"`
	LogDebug          bool   `hcl:"log_debug"`
	KeepaliveSec      int    `hcl:"keepalive_sec"`
	MqttBroker        string `hcl:"mqtt_broker"`
	MqttClientId      string `hcl:"mqtt_client_id"`
	MqttLogDebug      bool   `hcl:"mqtt_log_debug"`
	MqttUsername      string `hcl:"mqtt_username"`
	MqttPassword      string `hcl:"mqtt_password"` // secret
	NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
	PingTimeoutSec    int    `hcl:"ping_timeout_sec"`
	TelemetryEverySec int    `hcl:"telemetry_every_sec"`
	TopicPrefix       string `hcl:"topic_prefix"`
	// store-and-forward queue dir, state.Global defaults it to persist.root/tele
	PersistPath string `hcl:"persist_path"`

	BuildVersion string `hcl:"-"`
}
