package couch

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// Config carries what Dial needs to reach a store.
type Config struct {
	URL        string
	Username   string
	Password   string
	JWTSecret  string
	JWTSubject string
	Timeout    time.Duration
	MaxRetries int

	AccumulatorSize   int
	UUIDBatch         int
	MaxConflictRounds int
	FetchConcurrency  int
}

// Client talks to one store over a Transport.
type Client struct {
	tr      Transport
	log     *log.Entry
	metrics *Metrics
	dbOpts  []DatabaseOption
}

type ClientOption func(*Client)

func WithClientLogger(l *log.Entry) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithClientMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithDatabaseDefaults applies opts to every handle returned by Database.
func WithDatabaseDefaults(opts ...DatabaseOption) ClientOption {
	return func(c *Client) { c.dbOpts = append(c.dbOpts, opts...) }
}

func NewClient(tr Transport, opts ...ClientOption) *Client {
	c := &Client{
		tr:  tr,
		log: log.WithField("component", "couch"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial builds an HTTP transport from cfg and checks the store answers.
func Dial(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	topts := []TransportOption{}
	if cfg.Timeout > 0 {
		topts = append(topts, WithTimeout(cfg.Timeout))
	}
	if cfg.MaxRetries > 0 {
		topts = append(topts, WithMaxRetries(cfg.MaxRetries))
	}
	switch {
	case cfg.JWTSecret != "":
		topts = append(topts, WithJWT(cfg.JWTSecret, cfg.JWTSubject, 0))
	case cfg.Username != "":
		topts = append(topts, WithBasicAuth(cfg.Username, cfg.Password))
	}

	c := NewClient(nil, opts...)
	topts = append(topts, WithTransportLogger(c.log.WithField("component", "couch.transport")), WithTransportMetrics(c.metrics))
	tr, err := NewHTTPTransport(cfg.URL, topts...)
	if err != nil {
		return nil, err
	}
	c.tr = tr
	c.dbOpts = append([]DatabaseOption{
		WithAccumulatorSize(cfg.AccumulatorSize),
		WithUUIDBatch(cfg.UUIDBatch),
		WithMaxConflictRounds(cfg.MaxConflictRounds),
		WithFetchConcurrency(cfg.FetchConcurrency),
	}, c.dbOpts...)

	if _, err := c.Version(ctx); err != nil {
		tr.Close()
		return nil, errors.Wrapf(err, "dial %s", cfg.URL)
	}
	return c, nil
}

func (c *Client) Transport() Transport { return c.tr }

func (c *Client) Close() error {
	return c.tr.Close()
}

// Version returns the store's version string from its welcome object.
func (c *Client) Version(ctx context.Context) (string, error) {
	v, err := c.tr.Do(ctx, &Request{Method: http.MethodGet, Path: "/"})
	if err != nil {
		return "", err
	}
	if model.HasError(v) {
		return "", model.NewRemoteError("version", v)
	}
	o, err := v.AsObject()
	if err != nil {
		return "", errors.Wrap(err, "version")
	}
	return o.GetString("version")
}

// ListDatabases returns all database names.
func (c *Client) ListDatabases(ctx context.Context) ([]string, error) {
	v, err := c.tr.Do(ctx, &Request{Method: http.MethodGet, Path: "/_all_dbs"})
	if err != nil {
		return nil, err
	}
	if v.IsObject() && model.HasError(v) {
		return nil, model.NewRemoteError("list databases", v)
	}
	arr, err := v.AsArray()
	if err != nil {
		return nil, errors.Wrap(err, "list databases")
	}
	names := make([]string, 0, arr.Len())
	for _, item := range arr.Items() {
		s, err := item.AsString()
		if err != nil {
			return nil, errors.Wrap(err, "database name")
		}
		names = append(names, s)
	}
	return names, nil
}

func dbPath(name string) string { return "/" + url.PathEscape(name) }

func (c *Client) DatabaseExists(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, errors.Wrap(model.ErrInvalidArgument, "empty database name")
	}
	v, err := c.tr.Do(ctx, &Request{Method: http.MethodGet, Path: dbPath(name)})
	if err != nil {
		return false, err
	}
	if model.HasError(v) {
		re := model.NewRemoteError("database "+name, v)
		if errors.Is(re, model.ErrNotFound) {
			return false, nil
		}
		return false, re
	}
	return true, nil
}

// CreateDatabase creates name; an existing database yields model.ErrExists.
func (c *Client) CreateDatabase(ctx context.Context, name string) error {
	return c.dbCall(ctx, http.MethodPut, name, "create database")
}

func (c *Client) DeleteDatabase(ctx context.Context, name string) error {
	return c.dbCall(ctx, http.MethodDelete, name, "delete database")
}

func (c *Client) dbCall(ctx context.Context, method, name, op string) error {
	if name == "" {
		return errors.Wrap(model.ErrInvalidArgument, "empty database name")
	}
	v, err := c.tr.Do(ctx, &Request{Method: method, Path: dbPath(name)})
	if err != nil {
		return err
	}
	if model.HasError(v) {
		return model.NewRemoteError(op+" "+name, v)
	}
	c.log.WithField("db", name).Debug(op)
	return nil
}

// ClearDatabase drops every document of name by recreating the database.
// Unless includeDesign is set, design documents are written back.
func (c *Client) ClearDatabase(ctx context.Context, name string, includeDesign bool) error {
	var designs []*model.Object
	if !includeDesign {
		res, err := c.Database(name).AllDocs(ctx, designRange(true))
		if err != nil {
			return err
		}
		for _, row := range res.Rows {
			if row.Doc != nil {
				designs = append(designs, row.Doc)
			}
		}
	}
	if err := c.DeleteDatabase(ctx, name); err != nil {
		return err
	}
	if err := c.CreateDatabase(ctx, name); err != nil {
		return err
	}

	db := c.Database(name)
	for _, doc := range designs {
		id, err := doc.DocID()
		if err != nil {
			return err
		}
		doc.Delete(model.FieldRev)
		doc.Delete(model.FieldAttachments)
		if _, err := db.CreateDocument(ctx, doc, id); err != nil {
			return errors.Wrapf(err, "restore %s", id)
		}
	}
	return nil
}

// UUIDs asks the store for n fresh identifiers.
func (c *Client) UUIDs(ctx context.Context, n int) ([]string, error) {
	return fetchUUIDs(ctx, c.tr, n)
}

// Database returns a handle on name. It does not check the database exists.
func (c *Client) Database(name string, opts ...DatabaseOption) *Database {
	all := []DatabaseOption{
		WithLogger(c.log.WithField("db", name)),
		WithMetrics(c.metrics),
	}
	all = append(all, c.dbOpts...)
	all = append(all, opts...)
	return newDatabase(c.tr, name, all...)
}
