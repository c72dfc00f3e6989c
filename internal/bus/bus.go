// Package bus reports device availability and OTA state over MQTT. The
// reporter is optional: a nil *Reporter is valid and every method no-ops,
// so the update path works identically on devices with no broker
// configured.
package bus

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"otacore/internal/debuglog"
)

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 1
)

type Options struct {
	Broker      string // e.g. tcp://broker:1883; empty disables the bus
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string // topics are <prefix>/status and <prefix>/ota/...
}

type Reporter struct {
	cli    mqtt.Client
	prefix string
}

// Connect dials the broker, installing a retained offline will so the
// device flips to offline if it drops mid-update. Returns (nil, nil) when
// no broker is configured.
func Connect(opts Options) (*Reporter, error) {
	if opts.Broker == "" {
		return nil, nil
	}
	if opts.ClientID == "" {
		opts.ClientID = "otacore"
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = opts.ClientID
	}
	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWill(opts.TopicPrefix+"/status", "offline", publishQoS, true)
	cli := mqtt.NewClient(co)
	tok := cli.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		cli.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s timed out", opts.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", opts.Broker, err)
	}
	r := &Reporter{cli: cli, prefix: opts.TopicPrefix}
	r.publish("/status", "online", true)
	return r, nil
}

// PublishState mirrors the health indicator (ok/warning/error).
func (r *Reporter) PublishState(state string) {
	if r == nil {
		return
	}
	r.publish("/ota/state", state, true)
}

// PublishProgress reports transfer progress as a percentage string.
func (r *Reporter) PublishProgress(received, total uint32) {
	if r == nil || total == 0 {
		return
	}
	pct := float64(received) * 100 / float64(total)
	r.publish("/ota/progress", fmt.Sprintf("%.1f", pct), false)
}

// Close announces offline and disconnects.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.publish("/status", "offline", true)
	r.cli.Disconnect(250)
}

func (r *Reporter) publish(topic, payload string, retain bool) {
	tok := r.cli.Publish(r.prefix+topic, publishQoS, retain, payload)
	if !tok.WaitTimeout(time.Second) {
		debuglog.Debugf("bus: publish %s timed out", r.prefix+topic)
	}
}
