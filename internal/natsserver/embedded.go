// Package natsserver runs the in-process broker used by the daemon and by
// tests.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 5 * time.Second

// maxPayload bounds a single bus message; interview traffic is small JSON.
const maxPayload = 256 * 1024

type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start returns nil when the bus is configured to use external servers. A
// port of -1 picks a random free port.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	opts := &server.Options{
		ServerName: "loqa-interview",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		MaxPayload: maxPayload,
		NoSigs:     true,
		NoLog:      true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	} else if cfg.Username != "" {
		opts.Username = cfg.Username
		opts.Password = cfg.Password
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded bus: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded bus not ready after %s", readyTimeout)
	}

	log.Info("embedded bus started", slog.String("url", ns.ClientURL()))
	return &EmbeddedServer{ns: ns, log: log}, nil
}

func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Connections is the number of clients currently attached.
func (e *EmbeddedServer) Connections() int {
	if e == nil || e.ns == nil {
		return 0
	}
	return e.ns.NumClients()
}

// Shutdown is a no-op on a nil server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
	e.log.Info("embedded bus stopped")
}
