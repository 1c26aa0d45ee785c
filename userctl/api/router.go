package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/steelcutops/userctl/userctl/engine"
)

// Server exposes the engine over HTTP. Every handler makes exactly one
// engine call.
type Server struct {
	Engine *engine.Engine
	Log    logrus.FieldLogger
}

func NewRouter(e *engine.Engine, log logrus.FieldLogger) *mux.Router {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{Engine: e, Log: log}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK\n"))
	}).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/users", s.listUsers).Methods("GET")
	api.HandleFunc("/users", s.createUser).Methods("POST")
	api.HandleFunc("/users/{username}", s.getUser).Methods("GET")
	api.HandleFunc("/users/{username}", s.deleteUser).Methods("DELETE")
	api.HandleFunc("/users/{username}", s.modifyUser).Methods("PATCH")
	api.HandleFunc("/users/{username}/lock", s.lockUser).Methods("POST")
	api.HandleFunc("/shells", s.listShells).Methods("GET")

	api.HandleFunc("/bulk", s.bulk).Methods("POST")
	api.HandleFunc("/bulk/jobs", s.startBulk).Methods("POST")
	api.HandleFunc("/bulk/template", s.template).Methods("GET")
	api.HandleFunc("/jobs", s.listJobs).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.getJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", s.cancelJob).Methods("DELETE")

	api.HandleFunc("/audit", s.audit).Methods("POST")
	api.HandleFunc("/reports", s.listReports).Methods("GET")
	api.HandleFunc("/reports/{name}", s.getReport).Methods("GET")
	api.HandleFunc("/notify", s.notify).Methods("POST")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		entry := s.Log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": rec.status,
			"remote": r.RemoteAddr,
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Handled request")
		}
	})
}
