// Package mqtt fans presence and reader status events out to an MQTT broker.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/loggo"

	"github.com/nedpals/spooltag-agent/nfc"
)

var logger = loggo.GetLogger("spooltag.mqtt")

const disconnectQuiesce = 250 // ms

// Config holds MQTT connection settings.
type Config struct {
	Host       string
	Port       int
	Topic      string
	ClientID   string
	CACert     string
	ClientCert string
	ClientKey  string
}

// client is the subset of paho.Client the publisher uses.
type client interface {
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// Publisher publishes presence events on Topic and reader status on Topic/reader.
// A publisher built without a host is a disabled no-op.
type Publisher struct {
	client  client
	topic   string
	enabled bool

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a publisher. Returns a disabled publisher if host is empty.
func New(cfg Config) (*Publisher, error) {
	p := &Publisher{topic: cfg.Topic, closing: make(chan struct{})}
	if cfg.Host == "" {
		logger.Infof("MQTT disabled (no host configured)")
		return p, nil
	}

	var broker string
	var tlsConfig *tls.Config
	if cfg.CACert != "" || cfg.ClientCert != "" {
		if cfg.Port == 0 {
			cfg.Port = 8883
		}
		broker = fmt.Sprintf("ssl://%s:%d", cfg.Host, cfg.Port)

		var err error
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build TLS config: %w", err)
		}
	} else {
		if cfg.Port == 0 {
			cfg.Port = 1883
		}
		broker = fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)
	}

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetKeepAlive(60 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warningf("MQTT connection lost: %v", err)
		}).
		SetOnConnectHandler(func(paho.Client) {
			logger.Infof("MQTT connection established to %s", broker)
		})
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}

	paho.ERROR = log.New(os.Stderr, "[MQTT ERROR] ", 0)
	paho.CRITICAL = log.New(os.Stderr, "[MQTT CRIT] ", 0)
	paho.WARN = log.New(os.Stderr, "[MQTT WARN] ", 0)

	return newPublisher(paho.NewClient(opts), cfg.Topic), nil
}

func newPublisher(c client, topic string) *Publisher {
	return &Publisher{client: c, topic: topic, enabled: true, closing: make(chan struct{})}
}

func buildTLSConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		caPool := x509.NewCertPool()
		caPool.AppendCertsFromPEM(caCert)
		tlsConfig.RootCAs = caPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Connect starts the broker connection and returns immediately. Paho keeps
// retrying in the background; the outcome of the first attempt is logged.
func (p *Publisher) Connect() {
	if !p.enabled {
		return
	}
	token := p.client.Connect()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				logger.Warningf("MQTT connect failed: %v", err)
			}
		case <-p.closing:
		}
	}()
}

// Close disconnects from the broker. No-op if disabled.
func (p *Publisher) Close() {
	if !p.enabled {
		return
	}
	p.closeOnce.Do(func() {
		close(p.closing)
		p.client.Disconnect(disconnectQuiesce)
		p.wg.Wait()
	})
}

// PublishPresence publishes a presence event. Suitable as a poller emitter.
func (p *Publisher) PublishPresence(ev nfc.PresenceEvent) {
	p.publish(p.topic, false, ev)
}

// PublishStatus publishes a retained reader status snapshot.
func (p *Publisher) PublishStatus(st nfc.ReaderStatus) {
	p.publish(p.topic+"/reader", true, st)
}

func (p *Publisher) publish(topic string, retained bool, v any) {
	if !p.enabled {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		logger.Warningf("failed to encode %s payload: %v", topic, err)
		return
	}
	// Never wait on the token: emitters run on engine goroutines.
	p.client.Publish(topic, 0, retained, payload)
	logger.Tracef("published %s: %s", topic, payload)
}
