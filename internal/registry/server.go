package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratus-run/stratus/internal/telemetry"
	"github.com/stratus-run/stratus/pkg/api"
)

// Server exposes the registry over the v1 HTTP API. Registration
// semantics live here: names must be non-empty, job software references
// must resolve to a registered environment, ports must be in 1-65535,
// and resubmitting a name redefines it (last write wins).
type Server struct {
	Version string
	Store   *Store
	// DataDir receives attached file payloads; empty disables persistence
	// of file contents (metadata is still recorded).
	DataDir string
	// Token enables bearer auth on mutating endpoints when non-empty.
	Token string

	srv *http.Server
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/v1/software-environments", s.handleEnvironments)
	mux.HandleFunc("/v1/software-environments/", s.handleEnvironmentByName)
	mux.HandleFunc("/v1/job-configurations", s.handleJobs)
	mux.HandleFunc("/v1/job-configurations/", s.handleJobByName)
}

// Handler returns the routed handler, exported for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return mux
}

func (s *Server) authorized(r *http.Request) bool {
	tok := s.Token
	if tok == "" {
		tok = os.Getenv("STRATUSD_TOKEN")
	}
	if tok == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	x := r.Header.Get("X-Auth-Token")
	return auth == "Bearer "+tok || x == tok
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	_ = r.Body.Close()
	telemetry.CounterGlobal("stratusd_heartbeats", 1, map[string]string{
		"component": "registry",
		"endpoint":  "heartbeat",
	})
	h := api.HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version}
	writeJSON(w, http.StatusOK, h)
	telemetry.TimerGlobal("stratusd_request_duration", time.Since(start), map[string]string{
		"component": "registry",
		"endpoint":  "heartbeat",
		"status":    "200",
	})
}

func (s *Server) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		envs, err := s.Store.ListEnvironments(r.Context())
		if err != nil {
			s.internalError(w, "list environments", err)
			return
		}
		writeJSON(w, http.StatusOK, api.EnvironmentListResponse{Environments: envs})
	case http.MethodPost:
		s.createEnvironment(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createEnvironment(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	defer r.Body.Close()
	var spec api.EnvironmentSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		telemetry.CounterGlobal("stratusd_register_errors", 1, map[string]string{
			"component": "registry",
			"endpoint":  "software-environments",
			"error":     "decode_request",
		})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if reason := rejectEnvironment(spec); reason != "" {
		writeError(w, http.StatusUnprocessableEntity, reason)
		return
	}
	rev, at, err := s.Store.PutEnvironment(r.Context(), spec)
	if err != nil {
		s.internalError(w, "put environment", err)
		return
	}
	telemetry.CounterGlobal("stratusd_environments_registered", 1, map[string]string{
		"component": "registry",
		"endpoint":  "software-environments",
	})
	telemetry.TimerGlobal("stratusd_request_duration", time.Since(start), map[string]string{
		"component": "registry",
		"endpoint":  "software-environments",
		"status":    "200",
	})
	log.Info().Str("name", spec.Name).Int64("revision", rev).Msg("software environment registered")
	writeJSON(w, http.StatusOK, api.RegistrationResult{
		Name: spec.Name, Kind: api.KindEnvironment, Revision: rev, CreatedAt: at,
	})
}

func (s *Server) handleEnvironmentByName(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(r.URL.EscapedPath(), "/v1/software-environments/")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid environment name")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.Store.GetEnvironment(r.Context(), name)
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("software environment %q not found", name))
			return
		}
		if err != nil {
			s.internalError(w, "get environment", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		err := s.Store.DeleteEnvironment(r.Context(), name)
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("software environment %q not found", name))
			return
		}
		if err != nil {
			s.internalError(w, "delete environment", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.Store.ListJobs(r.Context())
		if err != nil {
			s.internalError(w, "list jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, api.JobListResponse{Jobs: jobs})
	case http.MethodPost:
		s.createJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	defer r.Body.Close()
	var req api.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetry.CounterGlobal("stratusd_register_errors", 1, map[string]string{
			"component": "registry",
			"endpoint":  "job-configurations",
			"error":     "decode_request",
		})
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if reason := rejectJob(req.Job); reason != "" {
		writeError(w, http.StatusUnprocessableEntity, reason)
		return
	}
	exists, err := s.Store.EnvironmentExists(r.Context(), req.Job.Software)
	if err != nil {
		s.internalError(w, "check software reference", err)
		return
	}
	if !exists {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("unknown software environment %q", req.Job.Software))
		return
	}
	if reason := s.acceptFiles(req.Job.Name, req.Files); reason != "" {
		writeError(w, http.StatusUnprocessableEntity, reason)
		return
	}
	rev, at, err := s.Store.PutJob(r.Context(), req.Job, req.Files)
	if err != nil {
		s.internalError(w, "put job", err)
		return
	}
	telemetry.CounterGlobal("stratusd_jobs_registered", 1, map[string]string{
		"component": "registry",
		"endpoint":  "job-configurations",
	})
	telemetry.TimerGlobal("stratusd_request_duration", time.Since(start), map[string]string{
		"component": "registry",
		"endpoint":  "job-configurations",
		"status":    "200",
	})
	log.Info().Str("name", req.Job.Name).Str("software", req.Job.Software).Int64("revision", rev).Msg("job configuration registered")
	writeJSON(w, http.StatusOK, api.RegistrationResult{
		Name: req.Job.Name, Kind: api.KindJob, Revision: rev, CreatedAt: at,
	})
}

func (s *Server) handleJobByName(w http.ResponseWriter, r *http.Request) {
	name, ok := pathName(r.URL.EscapedPath(), "/v1/job-configurations/")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid job name")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, err := s.Store.GetJob(r.Context(), name)
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job configuration %q not found", name))
			return
		}
		if err != nil {
			s.internalError(w, "get job", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		err := s.Store.DeleteJob(r.Context(), name)
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("job configuration %q not found", name))
			return
		}
		if err != nil {
			s.internalError(w, "delete job", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func rejectEnvironment(spec api.EnvironmentSpec) string {
	if strings.TrimSpace(spec.Name) == "" {
		return "environment name is required"
	}
	if spec.Container == "" && (spec.Conda == nil || len(spec.Conda.Dependencies) == 0) {
		return "environment needs a container image or conda dependencies"
	}
	return ""
}

func rejectJob(spec api.JobSpec) string {
	if strings.TrimSpace(spec.Name) == "" {
		return "job name is required"
	}
	// The name becomes a directory under the data dir; it must not be
	// able to point outside it.
	if strings.Contains(spec.Name, "..") || filepath.IsAbs(spec.Name) {
		return fmt.Sprintf("invalid job name %q", spec.Name)
	}
	if strings.TrimSpace(spec.Software) == "" {
		return "software environment reference is required"
	}
	if len(spec.Command) == 0 {
		return "command must not be empty"
	}
	for _, p := range spec.Ports {
		if p < 1 || p > 65535 {
			return fmt.Sprintf("port %d out of range 1-65535", p)
		}
	}
	return ""
}

// acceptFiles verifies payload checksums and, when a data dir is
// configured, writes the contents under <DataDir>/<job>/<path>.
func (s *Server) acceptFiles(jobName string, files []api.FilePayload) string {
	for _, f := range files {
		if f.Path == "" || strings.Contains(f.Path, "..") || filepath.IsAbs(f.Path) {
			return fmt.Sprintf("invalid file path %q", f.Path)
		}
		if len(f.Content) == 0 {
			continue // shipped out of band
		}
		sum := sha256.Sum256(f.Content)
		if hex.EncodeToString(sum[:]) != f.SHA256 {
			return fmt.Sprintf("checksum mismatch for %s", f.Path)
		}
		if s.DataDir == "" {
			continue
		}
		dst := filepath.Join(s.DataDir, jobName, f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			log.Error().Err(err).Str("path", dst).Msg("create file dir")
			return fmt.Sprintf("store file %s: %v", f.Path, err)
		}
		if err := os.WriteFile(dst, f.Content, 0o644); err != nil {
			log.Error().Err(err).Str("path", dst).Msg("write file")
			return fmt.Sprintf("store file %s: %v", f.Path, err)
		}
	}
	return ""
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	log.Error().Err(err).Str("op", op).Msg("registry internal error")
	writeError(w, http.StatusInternalServerError, op+": "+err.Error())
}

// pathName extracts and decodes the trailing path element. Registered
// names may contain slashes ("examples/quickstart"), so everything after
// the prefix is the name. Callers pass the escaped request path so the
// name is decoded exactly once, keeping literal % characters intact.
func pathName(path, prefix string) (string, bool) {
	raw := strings.TrimPrefix(path, prefix)
	if raw == "" {
		return "", false
	}
	name, err := url.PathUnescape(raw)
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{Addr: addr, Handler: s.Handler()}
	return s.srv.ListenAndServe()
}

// Shutdown the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
