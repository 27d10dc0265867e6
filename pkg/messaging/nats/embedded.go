package nats

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer is an in-process NATS server with JetStream enabled. It
// backs tests and single-binary deployments.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	tempDir      string
	shutdownOnce sync.Once
}

// ServerOption configures StartEmbeddedServer.
type ServerOption func(*server.Options)

// WithPort listens on port. The default -1 picks a free port.
func WithPort(port int) ServerOption {
	return func(o *server.Options) {
		o.Port = port
	}
}

// WithStoreDir keeps JetStream data in dir. By default a temporary
// directory is used and removed on Shutdown.
func WithStoreDir(dir string) ServerOption {
	return func(o *server.Options) {
		o.StoreDir = dir
	}
}

// WithToken requires clients to authenticate with token.
func WithToken(token string) ServerOption {
	return func(o *server.Options) {
		o.Authorization = token
	}
}

// WithUser requires clients to authenticate with user and password.
func WithUser(user, password string) ServerOption {
	return func(o *server.Options) {
		o.Username = user
		o.Password = password
	}
}

// StartEmbeddedServer starts a server on 127.0.0.1 and waits until it
// accepts connections.
func StartEmbeddedServer(opts ...ServerOption) (*EmbeddedServer, error) {
	options := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		NoSigs:    true,
	}
	for _, opt := range opts {
		opt(options)
	}

	var tempDir string
	if options.StoreDir == "" {
		dir, err := os.MkdirTemp("", "eventflow-nats-*")
		if err != nil {
			return nil, fmt.Errorf("create jetstream dir: %w", err)
		}
		tempDir = dir
		options.StoreDir = dir
	}

	s, err := server.NewServer(options)
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		os.RemoveAll(tempDir)
		return nil, fmt.Errorf("embedded server not ready")
	}

	return &EmbeddedServer{
		server:  s,
		url:     s.ClientURL(),
		tempDir: tempDir,
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Running reports whether the server still accepts connections.
func (e *EmbeddedServer) Running() bool {
	return e.server.Running()
}

// Shutdown stops the server and waits up to five seconds for it to exit.
// It is safe to call more than once.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.server.Shutdown()

		done := make(chan struct{})
		go func() {
			e.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}

		if e.tempDir != "" {
			os.RemoveAll(e.tempDir)
		}
	})
}

// Connect opens a plain client connection to the server.
func (e *EmbeddedServer) Connect(opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(e.url, opts...)
}
