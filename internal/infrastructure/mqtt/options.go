package mqtt

import (
	"crypto/tls"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/printgate/internal/infrastructure/config"
)

// Connection constants.
const (
	// defaultConnectTimeout is the maximum time to wait for initial connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultPublishTimeout is the maximum time to wait for publish acknowledgment.
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 250 // milliseconds

	// defaultKeepAlive is the keepalive interval for the connection.
	defaultKeepAlive = 60 * time.Second

	// maxQoS is the maximum QoS level supported.
	maxQoS = 2

	// tlsMinVersion is the minimum TLS version for secure connections.
	tlsMinVersion = tls.VersionTLS12
)

// Options describes a single broker connection.
//
// The gateway holds two kinds of connection: one long-lived session to its
// own broker for status publishing (built with OptionsFromConfig) and one
// short-lived session per Bambu printer, which is itself an MQTT broker.
type Options struct {
	// BrokerURL is tcp://host:port or ssl://host:port.
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// TLSConfig is used for ssl:// brokers. Nil selects a TLS 1.2 minimum.
	TLSConfig *tls.Config

	// QoS is the default QoS for PublishRetained and status messages.
	QoS byte

	// AutoReconnect lets paho restore the connection on its own. Printer
	// sessions leave it off and reconnect through their own backoff.
	AutoReconnect        bool
	ConnectRetryInterval time.Duration
	MaxReconnectInterval time.Duration

	ConnectTimeout time.Duration
	KeepAlive      time.Duration

	// StatusTopic, when set, receives retained online/offline payloads and
	// the Last Will.
	StatusTopic string
}

// OptionsFromConfig builds Options for the gateway's own broker.
func OptionsFromConfig(cfg config.MQTTConfig) Options {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	return Options{
		BrokerURL:            fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port),
		ClientID:             cfg.Broker.ClientID,
		Username:             cfg.Auth.Username,
		Password:             cfg.Auth.Password,
		QoS:                  byte(cfg.QoS),
		AutoReconnect:        true,
		ConnectRetryInterval: time.Duration(cfg.Reconnect.InitialDelay) * time.Second,
		MaxReconnectInterval: time.Duration(cfg.Reconnect.MaxDelay) * time.Second,
		StatusTopic:          NewTopics(cfg.TopicPrefix).SystemStatus(),
	}
}

// buildClientOptions creates paho MQTT options.
//
// This configures:
//   - Broker URL and client ID
//   - Authentication credentials (if provided)
//   - Auto-reconnect with exponential backoff (if enabled)
//   - TLS configuration for ssl:// brokers
//   - Clean session mode
//   - Last Will when a status topic is set
func buildClientOptions(o Options) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL)
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}

	// Clean session - start fresh on connect (no persistent session on broker)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)

	opts.SetAutoReconnect(o.AutoReconnect)
	opts.SetConnectRetry(false)
	if o.AutoReconnect {
		if o.ConnectRetryInterval > 0 {
			opts.SetConnectRetryInterval(o.ConnectRetryInterval)
		}
		if o.MaxReconnectInterval > 0 {
			opts.SetMaxReconnectInterval(o.MaxReconnectInterval)
		}
	}

	connectTimeout := o.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(connectTimeout)

	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = defaultKeepAlive
	}
	opts.SetKeepAlive(keepAlive)

	if isTLSBroker(o.BrokerURL) {
		tlsConfig := o.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{MinVersion: tlsMinVersion}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	if o.StatusTopic != "" {
		configureLWT(opts, o.StatusTopic, o.ClientID)
	}
	return opts
}

func isTLSBroker(url string) bool {
	for _, prefix := range []string{"ssl://", "tls://", "mqtts://"} {
		if len(url) >= len(prefix) && url[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// configureLWT sets up Last Will and Testament for offline detection.
//
// The LWT message is published by the broker if the gateway disconnects
// unexpectedly, so dashboards can tell a crash from a clean shutdown.
func configureLWT(opts *pahomqtt.ClientOptions, topic, clientID string) {
	willPayload := fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"unexpected_disconnect","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
	opts.SetWill(topic, willPayload, 1, true)
}

// buildOnlinePayload creates the JSON payload for online status messages.
func buildOnlinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"online","client_id":"%s","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}

// buildOfflinePayload creates the JSON payload for graceful offline status.
func buildOfflinePayload(clientID string) string {
	return fmt.Sprintf(
		`{"status":"offline","client_id":"%s","reason":"graceful_shutdown","timestamp":"%s"}`,
		clientID,
		time.Now().UTC().Format(time.RFC3339),
	)
}
