package server

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/syrokomskyi/couchfine/pkg/model"
)

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	vendor := model.NewObject()
	vendor.Set("name", model.StringValue("couchfine"))

	o := model.NewObject()
	o.Set("couchdb", model.StringValue("Welcome"))
	o.Set("version", model.StringValue(s.version))
	o.Set("vendor", model.ObjectValue(vendor))
	writeJSON(w, http.StatusOK, model.ObjectValue(o))
}

func (s *Server) handleAllDatabases(w http.ResponseWriter, r *http.Request) {
	names, err := s.backend.ListDatabases(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	out := model.NewArray()
	for _, n := range names {
		out.Append(model.StringValue(n))
	}
	writeJSON(w, http.StatusOK, model.ArrayValue(out))
}

func (s *Server) handleUUIDs(w http.ResponseWriter, r *http.Request) {
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		n, err := strconv.Atoi(c)
		if err != nil || n < 0 {
			s.fail(w, errors.Wrapf(model.ErrInvalidArgument, "invalid count %q", c))
			return
		}
		count = n
	}
	if count > maxUUIDCount {
		s.fail(w, errors.Wrapf(model.ErrInvalidArgument, "count may not exceed %d", maxUUIDCount))
		return
	}

	ids := model.NewArray()
	for i := 0; i < count; i++ {
		ids.Append(model.StringValue(s.uuids()))
	}
	o := model.NewObject()
	o.Set("uuids", model.ArrayValue(ids))
	w.Header().Set("Cache-Control", "must-revalidate, no-cache")
	writeJSON(w, http.StatusOK, model.ObjectValue(o))
}

func (s *Server) handleDatabaseInfo(w http.ResponseWriter, r *http.Request) {
	db := pathVar(r, "db")
	recs, err := s.backend.List(r.Context(), db)
	if err != nil {
		s.fail(w, err)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	o := model.NewObject()
	o.Set("db_name", model.StringValue(db))
	o.Set("doc_count", model.IntValue(int64(len(recs))))
	writeJSON(w, http.StatusOK, model.ObjectValue(o))
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	db := pathVar(r, "db")
	if err := validateDatabaseName(db); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.backend.CreateDatabase(r.Context(), db); err != nil {
		s.fail(w, err)
		return
	}
	s.log.WithField("db", db).Info("database created")
	writeJSON(w, http.StatusCreated, okValue())
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	db := pathVar(r, "db")
	if err := s.backend.DeleteDatabase(r.Context(), db); err != nil {
		s.fail(w, err)
		return
	}
	s.log.WithField("db", db).Info("database deleted")
	writeJSON(w, http.StatusOK, okValue())
}

func okValue() model.Value {
	o := model.NewObject()
	o.Set("ok", model.BoolValue(true))
	return model.ObjectValue(o)
}
