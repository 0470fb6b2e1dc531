package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
)

const DefaultSubjectPrefix = "couchfine.changes"

// ChangeEvent describes one committed document write.
type ChangeEvent struct {
	DB        string `json:"db"`
	ID        string `json:"id"`
	Rev       string `json:"rev"`
	Deleted   bool   `json:"deleted,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func NewChangeEvent(db, id, rev string, deleted bool) *ChangeEvent {
	return &ChangeEvent{DB: db, ID: id, Rev: rev, Deleted: deleted, Timestamp: time.Now().UnixMilli()}
}

// Publisher receives every committed write. Publish failures never undo a
// write; callers log them.
type Publisher interface {
	Publish(ctx context.Context, ev *ChangeEvent) error
	Close() error
}

// NopPublisher drops events.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ev *ChangeEvent) error { return nil }

func (NopPublisher) Close() error { return nil }

// NatsPublisher publishes change events to NATS JetStream.
type NatsPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	prefix string
}

// NewNatsPublisher wraps an existing connection. Close does not close nc.
func NewNatsPublisher(nc *nats.Conn, prefix string) (*NatsPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.Wrap(err, "jetstream")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NatsPublisher{js: js, prefix: prefix}, nil
}

// ConnectNats dials url and ensures a stream captures prefix.>.
func ConnectNats(ctx context.Context, url, prefix string) (*NatsPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("couchfine"))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", url)
	}
	p, err := NewNatsPublisher(nc, prefix)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	if err := p.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

// StreamName is the JetStream stream holding the events.
func (p *NatsPublisher) StreamName() string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(p.prefix))
}

func (p *NatsPublisher) EnsureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     p.StreamName(),
		Subjects: []string{p.prefix + ".>"},
	})
	return errors.Wrap(err, "ensure change stream")
}

// Subject format: <prefix>.<db>.<token of doc id>
func (p *NatsPublisher) Subject(ev *ChangeEvent) string {
	return p.prefix + "." + subjectToken(ev.DB) + "." + subjectToken(ev.ID)
}

func (p *NatsPublisher) Publish(ctx context.Context, ev *ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(ctx, p.Subject(ev), data)
	return errors.Wrapf(err, "publish change of %s/%s", ev.DB, ev.ID)
}

func (p *NatsPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// subjectToken maps characters NATS treats specially onto "_".
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
