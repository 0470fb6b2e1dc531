package server

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/syrokomskyi/couchfine/internal/server/events"
	"github.com/syrokomskyi/couchfine/internal/server/storage"
	"github.com/syrokomskyi/couchfine/pkg/model"
)

const (
	DefaultVersion = "3.3.3"
	maxUUIDCount   = 1000
)

// Options configures a Server.
type Options struct {
	Version string
	// UUIDAlgorithm is "random" or "sequential"
	UUIDAlgorithm string
	// JWTSecret, when set, requires an HS256 bearer token on every request
	// except the welcome and metrics endpoints
	JWTSecret string
}

// Server answers the subset of the CouchDB HTTP API the client uses.
type Server struct {
	backend   storage.Backend
	publisher events.Publisher
	router    *mux.Router
	uuids     uuidGenerator
	version   string
	secret    []byte
	registry  *prometheus.Registry
	metrics   *serverMetrics
	log       *log.Entry
}

type serverMetrics struct {
	requests *prometheus.CounterVec
	writes   *prometheus.CounterVec
}

func NewServer(backend storage.Backend, publisher events.Publisher, opts Options) (*Server, error) {
	gen, err := newUUIDGenerator(opts.UUIDAlgorithm)
	if err != nil {
		return nil, err
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	s := &Server{
		backend:   backend,
		publisher: publisher,
		uuids:     gen,
		version:   opts.Version,
		registry:  prometheus.NewRegistry(),
		log:       log.WithField("component", "server"),
		metrics: &serverMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "couchfine",
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Requests served, by route and status code.",
			}, []string{"route", "code"}),
			writes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "couchfine",
				Subsystem: "server",
				Name:      "document_writes_total",
				Help:      "Committed document writes, by kind.",
			}, []string{"kind"}),
		},
	}
	if opts.JWTSecret != "" {
		s.secret = []byte(opts.JWTSecret)
	}
	s.registry.MustRegister(s.metrics.requests, s.metrics.writes)
	s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := mux.NewRouter().UseEncodedPath().SkipClean(true)
	r.Use(s.instrument, s.authenticate)

	r.HandleFunc("/", s.handleWelcome).Methods(http.MethodGet).Name("welcome")
	r.HandleFunc("/_all_dbs", s.handleAllDatabases).Methods(http.MethodGet).Name("all_dbs")
	r.HandleFunc("/_uuids", s.handleUUIDs).Methods(http.MethodGet).Name("uuids")
	r.Handle("/_metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet).Name("metrics")

	r.HandleFunc("/{db}", s.handleDatabaseInfo).Methods(http.MethodGet, http.MethodHead).Name("db")
	r.HandleFunc("/{db}", s.handleCreateDatabase).Methods(http.MethodPut).Name("db")
	r.HandleFunc("/{db}", s.handleDeleteDatabase).Methods(http.MethodDelete).Name("db")
	r.HandleFunc("/{db}", s.handlePostDocument).Methods(http.MethodPost).Name("db")
	r.HandleFunc("/{db}/_bulk_docs", s.handleBulkDocs).Methods(http.MethodPost).Name("bulk_docs")
	r.HandleFunc("/{db}/_all_docs", s.handleAllDocs).Methods(http.MethodGet).Name("all_docs")

	r.HandleFunc("/{db}/_design/{ddoc}/_view/{view}", s.handleView).Methods(http.MethodGet).Name("view")
	r.HandleFunc("/{db}/_design/{ddoc}", s.handleDocument).Methods(http.MethodGet, http.MethodPut, http.MethodDelete, "COPY").Name("design")
	r.HandleFunc("/{db}/_design/{ddoc}/{attachment}", s.handleAttachment).Methods(http.MethodGet, http.MethodPut, http.MethodDelete).Name("attachment")

	r.HandleFunc("/{db}/{docid}", s.handleDocument).Methods(http.MethodGet, http.MethodPut, http.MethodDelete, "COPY").Name("document")
	r.HandleFunc("/{db}/{docid}/{attachment}", s.handleAttachment).Methods(http.MethodGet, http.MethodPut, http.MethodDelete).Name("attachment")

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "missing")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only some methods are allowed here")
	})
	s.router = r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil && cur.GetName() != "" {
			route = cur.GetName()
		}
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.EscapedPath(),
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("request")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret == nil || r.URL.Path == "/" || r.URL.Path == "/_metrics" {
			next.ServeHTTP(w, r)
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeError(w, http.StatusUnauthorized, "unauthorized", "Bearer token required")
			return
		}
		_, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pathVar returns the unescaped mux variable name.
func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v model.Value) {
	data, err := model.Serialize(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_server_error", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, status int, code, reason string) {
	o := model.NewObject()
	o.Set("error", model.StringValue(code))
	o.Set("reason", model.StringValue(reason))
	data, _ := model.Serialize(model.ObjectValue(o))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
	w.Write([]byte("\n"))
}

func okRef(id, rev string) model.Value {
	o := model.NewObject()
	o.Set("ok", model.BoolValue(true))
	o.Set("id", model.StringValue(id))
	o.Set("rev", model.StringValue(rev))
	return model.ObjectValue(o)
}

// errorCode maps an error onto a status and a CouchDB error marker.
func errorCode(err error) (int, string, string) {
	switch {
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict, "conflict", "Document update conflict."
	case errors.Is(err, model.ErrExists):
		return http.StatusPreconditionFailed, "file_exists", "The database could not be created, the file already exists."
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found", "missing"
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, model.ErrTypeMismatch):
		return http.StatusBadRequest, "bad_request", err.Error()
	}
	return http.StatusInternalServerError, "internal_server_error", err.Error()
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status, code, reason := errorCode(err)
	if status == http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	writeError(w, status, code, reason)
}
