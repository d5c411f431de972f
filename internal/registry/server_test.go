package registry

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stratus-run/stratus/pkg/api"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return &Server{Version: "test", Store: newTestStore(t), DataDir: t.TempDir()}
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func quickstartEnv() api.EnvironmentSpec {
	return api.EnvironmentSpec{
		Name:      "examples/quickstart-notebook",
		Container: "coiled/notebook:latest",
		Conda: &api.CondaSpec{
			Channels:     []string{"conda-forge"},
			Dependencies: []string{"python=3.8", "coiled=0.0.37", "dask=2021.3.0"},
		},
	}
}

func quickstartJob() api.JobSpec {
	return api.JobSpec{
		Name:        "examples/quickstart",
		Software:    "examples/quickstart-notebook",
		Command:     []string{"/bin/bash", "run.sh"},
		Ports:       []int{8888},
		Description: "Quickly launch a Dask cluster on the cloud",
	}
}

func TestHeartbeat(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/heartbeat", nil))
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var resp api.HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version mismatch")
	}
}

func TestRegisterEnvironmentThenJob(t *testing.T) {
	h := newTestServer(t).Handler()

	rr := postJSON(t, h, "/v1/software-environments", quickstartEnv())
	if rr.Code != 200 {
		t.Fatalf("env status %d: %s", rr.Code, rr.Body.String())
	}
	var envRes api.RegistrationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &envRes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envRes.Kind != api.KindEnvironment || envRes.Revision != 1 {
		t.Fatalf("unexpected result %+v", envRes)
	}

	rr = postJSON(t, h, "/v1/job-configurations", api.CreateJobRequest{Job: quickstartJob()})
	if rr.Code != 200 {
		t.Fatalf("job status %d: %s", rr.Code, rr.Body.String())
	}
	var jobRes api.RegistrationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &jobRes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if jobRes.Kind != api.KindJob || jobRes.Name != "examples/quickstart" {
		t.Fatalf("unexpected result %+v", jobRes)
	}
}

func TestJobUnknownSoftwareRejected(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := postJSON(t, h, "/v1/job-configurations", api.CreateJobRequest{Job: quickstartJob()})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
	var er api.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &er); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if er.Error == "" {
		t.Fatalf("expected error body")
	}
}

func TestJobPortOutOfRangeRejected(t *testing.T) {
	h := newTestServer(t).Handler()
	postJSON(t, h, "/v1/software-environments", quickstartEnv())

	job := quickstartJob()
	job.Ports = []int{-1}
	rr := postJSON(t, h, "/v1/job-configurations", api.CreateJobRequest{Job: job})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestEmptyEnvironmentNameRejected(t *testing.T) {
	h := newTestServer(t).Handler()
	rr := postJSON(t, h, "/v1/software-environments", api.EnvironmentSpec{Container: "x"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
}

func TestResubmitBumpsRevision(t *testing.T) {
	h := newTestServer(t).Handler()
	postJSON(t, h, "/v1/software-environments", quickstartEnv())
	rr := postJSON(t, h, "/v1/software-environments", quickstartEnv())
	if rr.Code != 200 {
		t.Fatalf("status %d", rr.Code)
	}
	var res api.RegistrationResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Revision != 2 {
		t.Fatalf("expected revision 2, got %d", res.Revision)
	}
}

func TestJobFilePayloads(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	postJSON(t, h, "/v1/software-environments", quickstartEnv())

	content := []byte("#!/bin/bash\njupyter lab\n")
	sum := sha256.Sum256(content)
	req := api.CreateJobRequest{
		Job: quickstartJob(),
		Files: []api.FilePayload{
			{Path: "run.sh", Size: int64(len(content)), SHA256: hex.EncodeToString(sum[:]), Content: content},
		},
	}
	rr := postJSON(t, h, "/v1/job-configurations", req)
	if rr.Code != 200 {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	stored, err := os.ReadFile(filepath.Join(srv.DataDir, "examples/quickstart", "run.sh"))
	if err != nil {
		t.Fatalf("stored file: %v", err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatalf("stored content mismatch")
	}

	// Tampered checksum is a rejection, not a server error.
	req.Files[0].SHA256 = "deadbeef"
	rr = postJSON(t, h, "/v1/job-configurations", req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for checksum mismatch, got %d", rr.Code)
	}
}

func TestJobNameCannotEscapeDataDir(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	postJSON(t, h, "/v1/software-environments", quickstartEnv())

	content := []byte("#!/bin/bash\n")
	sum := sha256.Sum256(content)
	job := quickstartJob()
	job.Name = "../escape"
	req := api.CreateJobRequest{
		Job: job,
		Files: []api.FilePayload{
			{Path: "pwned.txt", Size: int64(len(content)), SHA256: hex.EncodeToString(sum[:]), Content: content},
		},
	}
	rr := postJSON(t, h, "/v1/job-configurations", req)
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for traversal in job name, got %d: %s", rr.Code, rr.Body.String())
	}
	outside := filepath.Join(filepath.Dir(srv.DataDir), "escape", "pwned.txt")
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Fatalf("payload written outside the data dir: %s", outside)
	}
}

func TestNameWithPercentRoundTrip(t *testing.T) {
	h := newTestServer(t).Handler()
	env := quickstartEnv()
	env.Name = "examples/quickstart-100%"
	rr := postJSON(t, h, "/v1/software-environments", env)
	if rr.Code != 200 {
		t.Fatalf("register status %d: %s", rr.Code, rr.Body.String())
	}

	target := "/v1/software-environments/" + url.PathEscape(env.Name)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
	if rr.Code != 200 {
		t.Fatalf("get status %d: %s", rr.Code, rr.Body.String())
	}
	var rec api.EnvironmentRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Name != env.Name {
		t.Fatalf("name mangled on lookup: %q", rec.Name)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, target, nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rr.Code)
	}
}

func TestGetAndDeleteByName(t *testing.T) {
	h := newTestServer(t).Handler()
	postJSON(t, h, "/v1/software-environments", quickstartEnv())

	// Registered names contain slashes; they arrive path-escaped.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/software-environments/examples%2Fquickstart-notebook", nil))
	if rr.Code != 200 {
		t.Fatalf("get status %d: %s", rr.Code, rr.Body.String())
	}
	var rec api.EnvironmentRecord
	if err := json.Unmarshal(rr.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Name != "examples/quickstart-notebook" {
		t.Fatalf("name mismatch: %s", rec.Name)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/v1/software-environments/examples%2Fquickstart-notebook", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/software-environments/examples%2Fquickstart-notebook", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestTokenAuth(t *testing.T) {
	srv := newTestServer(t)
	srv.Token = "sekrit"
	h := srv.Handler()

	rr := postJSON(t, h, "/v1/software-environments", quickstartEnv())
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	buf, _ := json.Marshal(quickstartEnv())
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/software-environments", bytes.NewReader(buf))
	req.Header.Set("Authorization", "Bearer sekrit")
	h.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200 with token, got %d", rr.Code)
	}
}
