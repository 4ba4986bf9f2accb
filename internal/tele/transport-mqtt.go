package tele

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/escmeter/helpers"
	tele_config "github.com/temoto/escmeter/internal/tele/config"
	"github.com/temoto/escmeter/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

var (
	payloadOnline  = []byte{0x01}
	payloadOffline = []byte{0x00}
)

// paho pings every keepalive/2 seconds (integer), less than 2s panics in NewTicker.
const MinKeepalive = 2 * time.Second

type timeouts struct {
	network   time.Duration
	connect   time.Duration
	keepalive time.Duration
	ping      time.Duration
}

func resolveTimeouts(c tele_config.Config) timeouts {
	var t timeouts
	t.network = helpers.IntSecondDefault(c.NetworkTimeoutSec, DefaultNetworkTimeout)
	if t.network < 1*time.Second {
		t.network = 1 * time.Second
	}
	t.connect = t.network * 3
	t.keepalive = helpers.IntSecondDefault(c.KeepaliveSec, t.network/2)
	if t.keepalive < MinKeepalive {
		t.keepalive = MinKeepalive
	}
	t.ping = helpers.IntSecondDefault(c.PingTimeoutSec, t.network)
	return t
}

type transportMqtt struct {
	log     *log2.Log
	config  tele_config.Config
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	alive   *alive.Alive
	timeout time.Duration
}

func (self *transportMqtt) Init(ctx context.Context, log *log2.Log, teleConfig tele_config.Config) error {
	if teleConfig.MqttBroker == "" {
		return errors.NotValidf("tele.mqtt_broker empty")
	}
	if teleConfig.MqttClientId == "" {
		return errors.NotValidf("tele.mqtt_client_id empty")
	}
	// transport errors must not loop back into uplink queue
	self.log = log.Clone(log2.LInfo)
	self.log.SetErrorFunc(nil)
	self.config = teleConfig
	self.alive = alive.NewAlive()

	mqttLog := self.log.Clone(log2.LDebug)
	mqttLog.SetPrefix("tele.mqtt ")
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if teleConfig.MqttLogDebug {
		mqtt.DEBUG = mqttLog
	}

	tm := resolveTimeouts(teleConfig)
	networkTimeout, connectTimeout := tm.network, tm.connect
	self.timeout = networkTimeout
	keepalive, pingTimeout := tm.keepalive, tm.ping
	topicOnline := Topic(teleConfig, KindOnline)

	self.mopt = mqtt.NewClientOptions().
		AddBroker(teleConfig.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(topicOnline, payloadOffline, 1, true).
		SetCleanSession(false).
		SetClientID(teleConfig.MqttClientId).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepalive).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(false).
		SetPingTimeout(pingTimeout).
		SetWriteTimeout(networkTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			self.log.Infof("tele mqtt connected broker=%s", teleConfig.MqttBroker)
			c.Publish(topicOnline, 1, true, payloadOnline)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			self.log.Errorf("tele mqtt connection lost err=%v", err)
		})
	if teleConfig.MqttUsername != "" {
		self.mopt.SetUsername(teleConfig.MqttUsername)
		self.mopt.SetPassword(teleConfig.MqttPassword)
	}
	self.m = mqtt.NewClient(self.mopt)

	if self.alive.Add(1) {
		go self.online()
	}
	return nil
}

func (self *transportMqtt) Close() {
	if self.alive == nil {
		return
	}
	self.alive.Stop()
	self.alive.Wait()
	if self.m.IsConnected() {
		t := self.m.Publish(Topic(self.config, KindOnline), 1, true, payloadOffline)
		_ = self.tokenWait(t, "publish offline")
		self.m.Disconnect(uint(self.timeout / time.Millisecond))
	}
}

func (self *transportMqtt) Publish(kind string, payload []byte) bool {
	if !self.m.IsConnected() {
		return false
	}
	t := self.m.Publish(Topic(self.config, kind), 1, false, payload)
	return self.tokenWait(t, "publish "+kind) == nil
}

// online loops until first successful connect, paho reconnects by itself after that.
func (self *transportMqtt) online() {
	defer self.alive.Done()
	backoff := helpers.Backoff{Min: 100 * time.Millisecond, Max: self.timeout, K: 2}
	for self.alive.IsRunning() {
		t := self.m.Connect()
		err := self.tokenWait(t, "connect")
		if err == nil {
			return // success path
		}
		select {
		case <-time.After(backoff.DelayAfter(false)):
		case <-self.alive.StopChan():
			return
		}
	}
}

func (self *transportMqtt) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.timeout) {
		err := errors.Errorf("%s timeout", tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("tele: MQTT %s", err.Error())
		return err
	}
	return nil
}
