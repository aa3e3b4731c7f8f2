package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/juju/loggo"
	gometrics "github.com/rcrowley/go-metrics"

	"github.com/nedpals/spooltag-agent/config"
	"github.com/nedpals/spooltag-agent/internal/syncutil"
	"github.com/nedpals/spooltag-agent/mqtt"
	"github.com/nedpals/spooltag-agent/nfc"
	"github.com/nedpals/spooltag-agent/server"
	"github.com/nedpals/spooltag-agent/tls"
)

var logger = loggo.GetLogger("spooltag.agent")

// DriverFactory builds the reader driver. busy reports whether a tag
// transaction is in progress.
type DriverFactory func(cfg config.ReaderConfig, busy func() bool) nfc.Driver

// NewDriver builds the driver selected by cfg.Driver.
func NewDriver(cfg config.ReaderConfig, busy func() bool) nfc.Driver {
	switch cfg.Driver {
	case config.DriverLibNFC:
		return nfc.NewLibNFCDriver(
			nfc.WithConnstring(cfg.Name),
			nfc.WithPollInterval(cfg.PollInterval),
			nfc.WithTransceiveTimeout(cfg.TransceiveTimeout),
			nfc.WithBusyCheck(busy),
		)
	default:
		return nfc.NewPCSCDriver(
			nfc.WithReaderFilter(cfg.Name),
			nfc.WithMonitorTimeout(cfg.MonitorTimeout),
		)
	}
}

// Agent wires the reader driver, the tag engine and its transports.
type Agent struct {
	Config    config.Config
	NewDriver DriverFactory
	Registry  gometrics.Registry

	Conn   *nfc.ConnectionManager
	Engine *nfc.Controller
	Server *server.Server
	MQTT   *mqtt.Publisher

	driver   nfc.Driver
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       syncutil.Mutex
}

func NewAgent(cfg config.Config) *Agent {
	return &Agent{
		Config:    cfg,
		NewDriver: NewDriver,
		Registry:  gometrics.DefaultRegistry,
	}
}

// Running reports whether the agent has been started and not stopped.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancel != nil
}

// Controller returns the running engine, or nil when stopped.
func (a *Agent) Controller() *nfc.Controller {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel == nil {
		return nil
	}
	return a.Engine
}

// Addr returns the server listen address, or nil when stopped.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Start brings up the driver, engine, server and MQTT publisher.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		return errors.New("agent is already running")
	}

	cfg := a.Config
	m := nfc.NewMetrics(a.Registry)
	conn := nfc.NewConnectionManager()
	engine := nfc.NewEngine(conn, m, nfc.WithInterval(cfg.Reader.PollInterval))

	publisher, err := mqtt.New(mqtt.Config{
		Host:       cfg.MQTT.Host,
		Port:       cfg.MQTT.Port,
		Topic:      cfg.MQTT.Topic,
		ClientID:   cfg.MQTT.ClientID,
		CACert:     cfg.MQTT.CACert,
		ClientCert: cfg.MQTT.ClientCert,
		ClientKey:  cfg.MQTT.ClientKey,
	})
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	addr := net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	var certs tls.Certificates
	if cfg.Server.TLS {
		certs, err = tls.NewManager(cfg.DataDir).EnsureCertificates(tls.Hosts(cfg.Server.Host))
		if err != nil {
			ln.Close()
			return fmt.Errorf("tls: %w", err)
		}
	}

	driver := a.NewDriver(cfg.Reader, engine.Guard().Held)
	if err := driver.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("reader driver: %w", err)
	}

	srv := server.New(server.Config{
		Engine:    engine,
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		APISecret: cfg.Server.APISecret,
		MDNS:      cfg.MDNS.Enabled,
		Metrics:   a.Registry,
		CertFile:  certs.CertFile,
		KeyFile:   certs.KeyFile,
		CAFile:    certs.CAFile,
	})

	if publisher.Enabled() {
		engine.Subscribe(publisher.PublishPresence)
		engine.OnStatusChange(publisher.PublishStatus)
		publisher.Connect()
	}

	ctx, cancel := context.WithCancel(context.Background())

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		conn.Run(ctx, driver.Events())
	}()
	go func() {
		defer a.wg.Done()
		if err := srv.Serve(ctx, ln); err != nil {
			logger.Errorf("server stopped: %v", err)
		}
	}()

	if cfg.AutoPoll {
		engine.SetAutoPolling(true)
	}

	a.Conn, a.Engine, a.Server, a.MQTT = conn, engine, srv, publisher
	a.driver, a.listener, a.cancel = driver, ln, cancel
	logger.Infof("agent started on %s (driver %s)", ln.Addr(), cfg.Reader.Driver)
	return nil
}

// Stop tears everything down in reverse order. Safe to call when stopped.
func (a *Agent) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel == nil {
		return
	}
	logger.Infof("stopping agent...")

	a.Engine.Close()
	a.cancel()
	if err := a.driver.Close(); err != nil {
		logger.Debugf("driver close: %v", err)
	}
	a.wg.Wait()
	a.MQTT.Close()

	a.cancel, a.driver, a.listener = nil, nil, nil
	logger.Infof("agent stopped")
}
