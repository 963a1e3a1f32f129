package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

type ServerConfig struct {
	Host string
	// Port -1 picks a free port.
	Port     int
	StoreDir string
	// MaxPayload must hold a queued task, which carries both input images.
	MaxPayload int32
}

// EmbeddedServer is an in-process JetStream server for single instance deployments.
type EmbeddedServer struct {
	server *server.Server
}

func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	if cfg.MaxPayload == 0 {
		cfg.MaxPayload = 32 * 1024 * 1024
	}

	ns, err := server.NewServer(&server.Options{
		ServerName: "nstbot",
		Host:       cfg.Host,
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		MaxPayload: cfg.MaxPayload,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns}, nil
}

func (s *EmbeddedServer) ClientURL() string {
	return s.server.ClientURL()
}

func (s *EmbeddedServer) Running() bool {
	return s.server.Running()
}

func (s *EmbeddedServer) Shutdown() {
	s.server.Shutdown()
	s.server.WaitForShutdown()
}
