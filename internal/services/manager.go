package services

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/internal/config"
	"github.com/syrokomskyi/couchfine/internal/server"
	"github.com/syrokomskyi/couchfine/internal/server/events"
	"github.com/syrokomskyi/couchfine/internal/server/storage"
)

type Options struct {
	RunServer bool
	// ListenHost overrides the configured server host
	ListenHost string
}

type Manager struct {
	cfg         *config.Config
	opts        Options
	backend     storage.Backend
	publisher   events.Publisher
	couch       *server.Server
	servers     []*http.Server
	serverNames []string
	listeners   []net.Listener
	wg          sync.WaitGroup
}

func NewManager(cfg *config.Config, opts Options) *Manager {
	if opts.ListenHost == "" {
		opts.ListenHost = cfg.Server.Host
	}
	return &Manager{
		cfg:  cfg,
		opts: opts,
	}
}

// Server returns the document server handler once Init has run.
func (m *Manager) Server() *server.Server {
	return m.couch
}

// Init builds the storage backend, the change publisher and the HTTP server.
// Nothing listens until Start.
func (m *Manager) Init(ctx context.Context) error {
	if !m.opts.RunServer {
		return nil
	}

	backend, err := storage.Open(ctx, storage.Options{
		Backend:      m.cfg.Storage.Backend,
		MongoURI:     m.cfg.Storage.MongoURI,
		DatabaseName: m.cfg.Storage.DatabaseName,
	})
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	m.backend = backend
	log.WithField("backend", m.cfg.Storage.Backend).Info("storage ready")

	if m.cfg.Events.NatsURL != "" {
		pub, err := events.ConnectNats(ctx, m.cfg.Events.NatsURL, m.cfg.Events.SubjectPrefix)
		if err != nil {
			return errors.Wrap(err, "connect change publisher")
		}
		m.publisher = pub
		log.WithField("stream", pub.StreamName()).Info("publishing change events")
	} else {
		m.publisher = events.NopPublisher{}
	}

	m.couch, err = server.NewServer(m.backend, m.publisher, server.Options{
		Version:       m.cfg.Server.Version,
		UUIDAlgorithm: m.cfg.Server.UUIDAlgorithm,
		JWTSecret:     m.cfg.Server.JWTSecret,
	})
	if err != nil {
		return err
	}

	srv := m.cfg.Server
	srv.Host = m.opts.ListenHost
	m.servers = append(m.servers, &http.Server{Addr: srv.Addr(), Handler: m.couch})
	m.serverNames = append(m.serverNames, "document server")
	return nil
}

// Start listens on every configured server. Listen failures are returned;
// serve failures after that are logged.
func (m *Manager) Start(ctx context.Context) error {
	for i, srv := range m.servers {
		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", srv.Addr)
		}
		m.listeners = append(m.listeners, ln)
		name := m.serverNames[i]
		log.Infof("%s listening on %s", name, ln.Addr())

		m.wg.Add(1)
		go func(srv *http.Server, ln net.Listener) {
			defer m.wg.Done()
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Errorf("%s stopped", name)
			}
		}(srv, ln)
	}
	return nil
}

// Addrs returns the bound listen addresses, in server order.
func (m *Manager) Addrs() []string {
	out := make([]string, 0, len(m.listeners))
	for _, ln := range m.listeners {
		out = append(out, ln.Addr().String())
	}
	return out
}
