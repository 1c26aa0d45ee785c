package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/steelcutops/userctl/userctl/engine"
	"github.com/steelcutops/userctl/userctl/errdefs"
	um "github.com/steelcutops/userctl/userctl/usermanager"
)

// maxBody bounds request bodies, bulk files included.
const maxBody = 10 << 20

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(kind string) int {
	switch kind {
	case "":
		return http.StatusOK
	case "validation":
		return http.StatusBadRequest
	case "not_found", "no_reports_available":
		return http.StatusNotFound
	case "duplicate_account", "collision", "cancelled":
		return http.StatusConflict
	case "policy_violation":
		return http.StatusUnprocessableEntity
	case "permission_denied":
		return http.StatusForbidden
	case "execution_timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respond writes resp with the status its error kind implies, or ok on
// success.
func respond(w http.ResponseWriter, ok int, resp engine.Response) {
	status := ok
	if !resp.OK {
		status = StatusFor(resp.Kind)
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, err error) {
	resp := engine.Response{Error: err.Error(), Kind: errdefs.Kind(err)}
	var verr *errdefs.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	writeJSON(w, http.StatusBadRequest, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, errdefs.Invalid("body", "malformed JSON: %v", err))
		return false
	}
	return true
}

func queryBool(w http.ResponseWriter, r *http.Request, name string) (bool, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		badRequest(w, errdefs.Invalid(name, "%q is not a boolean", raw))
		return false, false
	}
	return v, true
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.ListAccounts(r.Context()))
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req um.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	respond(w, http.StatusCreated, s.Engine.Create(r.Context(), req))
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.Query(r.Context(), mux.Vars(r)["username"]))
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	keepHome, ok := queryBool(w, r, "keepHome")
	if !ok {
		return
	}
	req := engine.DeleteRequest{Username: mux.Vars(r)["username"], KeepHome: keepHome}
	respond(w, http.StatusOK, s.Engine.Delete(r.Context(), req))
}

func (s *Server) modifyUser(w http.ResponseWriter, r *http.Request) {
	var req um.ModifyRequest
	if !decode(w, r, &req) {
		return
	}
	req.Username = mux.Vars(r)["username"]
	respond(w, http.StatusOK, s.Engine.Modify(r.Context(), req))
}

func (s *Server) lockUser(w http.ResponseWriter, r *http.Request) {
	var req engine.LockRequest
	if !decode(w, r, &req) {
		return
	}
	req.Username = mux.Vars(r)["username"]
	respond(w, http.StatusOK, s.Engine.Lock(r.Context(), req))
}

func (s *Server) listShells(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.Shells())
}

func (s *Server) readBulk(w http.ResponseWriter, r *http.Request) (engine.BulkRequest, bool) {
	dryRun, ok := queryBool(w, r, "dryRun")
	if !ok {
		return engine.BulkRequest{}, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		badRequest(w, errdefs.Invalid("body", "%v", err))
		return engine.BulkRequest{}, false
	}
	return engine.BulkRequest{CSV: string(body), DryRun: dryRun}, true
}

// bulk runs a bulk file in the request. Per-row failures are part of a
// successful response; only an unreadable file is an error.
func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readBulk(w, r)
	if !ok {
		return
	}
	resp := s.Engine.Bulk(r.Context(), req)
	if resp.Data != nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	respond(w, http.StatusOK, resp)
}

func (s *Server) startBulk(w http.ResponseWriter, r *http.Request) {
	req, ok := s.readBulk(w, r)
	if !ok {
		return
	}
	respond(w, http.StatusAccepted, s.Engine.StartBatch(req))
}

func (s *Server) template(w http.ResponseWriter, r *http.Request) {
	resp := s.Engine.Template()
	if !resp.OK {
		respond(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="bulk_users_template.csv"`)
	fmt.Fprint(w, resp.Data)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.Jobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.Job(mux.Vars(r)["id"]))
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.Cancel(mux.Vars(r)["id"]))
}

// audit generates a report in the request, or as a job with ?async=true.
func (s *Server) audit(w http.ResponseWriter, r *http.Request) {
	async, ok := queryBool(w, r, "async")
	if !ok {
		return
	}
	var req engine.AuditRequest
	if !decode(w, r, &req) {
		return
	}
	if async {
		respond(w, http.StatusAccepted, s.Engine.StartAudit(req))
		return
	}
	respond(w, http.StatusCreated, s.Engine.Audit(r.Context(), req))
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.Engine.ListReports())
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	resp := s.Engine.ReadReport(mux.Vars(r)["name"])
	if !resp.OK {
		respond(w, http.StatusOK, resp)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, resp.Data)
}

func (s *Server) notify(w http.ResponseWriter, r *http.Request) {
	var req engine.SendRequest
	if !decode(w, r, &req) {
		return
	}
	respond(w, http.StatusOK, s.Engine.Send(r.Context(), req))
}
