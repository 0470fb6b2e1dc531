package couch

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

// Request is one exchange with the store. Path is already escaped.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// Transport sends requests to the store. Implementations own connection
// setup, TLS, authentication and socket-level retries.
type Transport interface {
	// Do returns the response body parsed into a Value. Error markers in the
	// body are returned as values, not as errors.
	Do(ctx context.Context, req *Request) (model.Value, error)

	// DoRaw returns the response body as is.
	DoRaw(ctx context.Context, req *Request) ([]byte, error)

	// Close releases resources held by the transport.
	Close() error
}

// HTTPTransport implements Transport over net/http.
type HTTPTransport struct {
	base       *url.URL
	client     *http.Client
	username   string
	password   string
	tokens     *tokenSource
	maxRetries int
	log        *log.Entry
	metrics    *Metrics
}

type TransportOption func(*HTTPTransport)

func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *HTTPTransport) { t.client = c }
}

func WithTimeout(d time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.client.Timeout = d }
}

func WithBasicAuth(username, password string) TransportOption {
	return func(t *HTTPTransport) {
		t.username = username
		t.password = password
	}
}

// WithJWT signs a bearer token per request window with HS256.
func WithJWT(secret, subject string, ttl time.Duration) TransportOption {
	return func(t *HTTPTransport) { t.tokens = newTokenSource([]byte(secret), subject, ttl) }
}

// WithMaxRetries bounds retries of connection failures and 502/503/504.
func WithMaxRetries(n int) TransportOption {
	return func(t *HTTPTransport) { t.maxRetries = n }
}

func WithTransportLogger(l *log.Entry) TransportOption {
	return func(t *HTTPTransport) { t.log = l }
}

func WithTransportMetrics(m *Metrics) TransportOption {
	return func(t *HTTPTransport) { t.metrics = m }
}

// NewHTTPTransport creates a transport rooted at baseURL, e.g.
// "http://localhost:5984".
func NewHTTPTransport(baseURL string, opts ...TransportOption) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "base url %q: %v", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Wrapf(model.ErrInvalidArgument, "base url %q: unsupported scheme", baseURL)
	}
	t := &HTTPTransport{
		base:       u,
		client:     &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		log:        log.WithField("component", "couch.transport"),
	}
	if u.User != nil {
		t.username = u.User.Username()
		t.password, _ = u.User.Password()
		u.User = nil
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (model.Value, error) {
	status, body, err := t.roundTrip(ctx, req)
	if err != nil {
		return model.Null, err
	}
	v, perr := model.Parse(body)
	if status >= 200 && status < 300 {
		if perr != nil {
			return model.Null, errors.Wrapf(model.ErrTransport, "%s %s: invalid json response: %v", req.Method, req.Path, perr)
		}
		return v, nil
	}
	if perr == nil && v.IsObject() && model.HasError(v) {
		return v, nil
	}
	return model.Null, errors.Wrapf(model.ErrTransport, "%s %s: status %d", req.Method, req.Path, status)
}

func (t *HTTPTransport) DoRaw(ctx context.Context, req *Request) ([]byte, error) {
	status, body, err := t.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if status >= 200 && status < 300 {
		return body, nil
	}
	if v, perr := model.Parse(body); perr == nil && v.IsObject() && model.HasError(v) {
		re := model.NewRemoteError(req.Method+" "+req.Path, v)
		re.Status = status
		return nil, re
	}
	return nil, errors.Wrapf(model.ErrTransport, "%s %s: status %d", req.Method, req.Path, status)
}

func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) url(req *Request) string {
	s := t.base.String() + "/" + strings.TrimPrefix(req.Path, "/")
	if len(req.Query) > 0 {
		s += "?" + req.Query.Encode()
	}
	return s
}

func (t *HTTPTransport) roundTrip(ctx context.Context, req *Request) (int, []byte, error) {
	var (
		status int
		body   []byte
	)
	retry := req.idempotent()
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.url(req), bytes.NewReader(req.Body))
		if err != nil {
			return backoff.Permanent(errors.Wrapf(model.ErrInvalidArgument, "build request: %v", err))
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		httpReq.Header.Set("Accept", "application/json")
		if err := t.authorize(httpReq); err != nil {
			return backoff.Permanent(err)
		}

		resp, err := t.client.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(errors.Wrapf(model.ErrTransport, "%s %s: %v", req.Method, req.Path, ctx.Err()))
			}
			err = errors.Wrapf(model.ErrTransport, "%s %s: %v", req.Method, req.Path, err)
			if !retry {
				return backoff.Permanent(err)
			}
			t.log.WithError(err).Debugf("%s %s failed, retrying", req.Method, req.Path)
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			err = errors.Wrapf(model.ErrTransport, "%s %s: read body: %v", req.Method, req.Path, err)
			if !retry {
				return backoff.Permanent(err)
			}
			return err
		}
		t.metrics.observeRequest(req.Method, resp.StatusCode)
		status, body = resp.StatusCode, data

		switch resp.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			if !retry {
				return nil
			}
			return errors.Wrapf(model.ErrTransport, "%s %s: status %d", req.Method, req.Path, resp.StatusCode)
		}
		return nil
	}

	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithMaxRetries(b, uint64(t.maxRetries))
	b = backoff.WithContext(b, ctx)
	if err := backoff.Retry(op, b); err != nil {
		if status != 0 && !isNetError(err) {
			// retries exhausted on a gateway status: hand the last answer back
			return status, body, nil
		}
		return 0, nil, err
	}
	t.log.Debugf("%s %s -> %d", req.Method, req.Path, status)
	return status, body, nil
}

func (t *HTTPTransport) authorize(r *http.Request) error {
	if t.tokens != nil {
		token, err := t.tokens.Token(time.Now())
		if err != nil {
			return err
		}
		r.Header.Set("Authorization", "Bearer "+token)
		return nil
	}
	if t.username != "" {
		r.SetBasicAuth(t.username, t.password)
	}
	return nil
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}

// idempotent reports whether repeating req cannot store a second document.
// A POST to a database lets the store pick the id, and so does a bulk
// document without "_id".
func (req *Request) idempotent() bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, "COPY":
		return true
	case http.MethodPost:
		return strings.HasSuffix(req.Path, "/_bulk_docs") && bulkHasIDs(req.Body)
	}
	return false
}

func bulkHasIDs(body []byte) bool {
	envelope, err := model.ParseObject(body)
	if err != nil {
		return false
	}
	docs, err := envelope.GetArray("docs")
	if err != nil {
		return false
	}
	for _, item := range docs.Items() {
		o, err := item.AsObject()
		if err != nil {
			return false
		}
		if id, err := o.GetString(model.FieldID); err != nil || id == "" {
			return false
		}
	}
	return true
}
