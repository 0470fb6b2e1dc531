package services

import (
	"context"

	log "github.com/sirupsen/logrus"
)

func (m *Manager) Shutdown(ctx context.Context) {
	for i, srv := range m.servers {
		log.Infof("Stopping %s...", m.serverNames[i])
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Errorf("Error shutting down %s", m.serverNames[i])
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Timeout waiting for servers to stop.")
	}

	if m.publisher != nil {
		if err := m.publisher.Close(); err != nil {
			log.WithError(err).Error("Error closing change publisher")
		}
	}
	if m.backend != nil {
		if err := m.backend.Close(ctx); err != nil {
			log.WithError(err).Error("Error closing storage")
		}
	}
}
