package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/stratus-run/stratus/internal/platform"
	"github.com/stratus-run/stratus/pkg/api"
)

// Manifest is a declarative registration document: the software
// environments to register followed by the job configurations that
// reference them. Document order is execution order; environments are
// always registered before any job.
type Manifest struct {
	Environments []api.EnvironmentSpec `yaml:"environments"`
	Jobs         []api.JobSpec         `yaml:"jobs"`

	// Dir is the manifest file's directory; attached file paths resolve
	// against it.
	Dir string `yaml:"-"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	m.Dir = filepath.Dir(abs)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate applies the same shape checks the client performs before a
// network call, plus manifest-level rules: names must be unique within
// the document. A job referencing an environment outside the document is
// allowed (it may be pre-registered) but logged.
func (m *Manifest) Validate() error {
	if len(m.Environments) == 0 && len(m.Jobs) == 0 {
		return fmt.Errorf("manifest declares no environments or jobs")
	}
	envNames := map[string]bool{}
	for i, env := range m.Environments {
		if err := platform.ValidateEnvironment(env); err != nil {
			return fmt.Errorf("environments[%d]: %w", i, err)
		}
		if envNames[env.Name] {
			return fmt.Errorf("environments[%d]: duplicate name %q", i, env.Name)
		}
		envNames[env.Name] = true
	}
	jobNames := map[string]bool{}
	for i, job := range m.Jobs {
		if err := platform.ValidateJob(job); err != nil {
			return fmt.Errorf("jobs[%d]: %w", i, err)
		}
		if jobNames[job.Name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, job.Name)
		}
		jobNames[job.Name] = true
		if !envNames[job.Software] {
			log.Warn().
				Str("job", job.Name).
				Str("software", job.Software).
				Msg("job references an environment not declared in this manifest; assuming it is already registered")
		}
	}
	return nil
}

// ResolveFiles stats and hashes a job's attached files. Files at or
// under inlineLimit bytes carry their content; larger ones carry
// metadata only and must be shipped out of band. inlineLimit <= 0
// inlines everything.
func (m *Manifest) ResolveFiles(job api.JobSpec, inlineLimit int64) ([]api.FilePayload, error) {
	var out []api.FilePayload
	for _, rel := range job.Files {
		local := filepath.Join(m.Dir, rel)
		st, err := os.Stat(local)
		if err != nil {
			return nil, fmt.Errorf("attached file %s: %w", rel, err)
		}
		sum, err := HashFile(local)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", rel, err)
		}
		p := api.FilePayload{Path: rel, Size: st.Size(), SHA256: sum}
		if inlineLimit <= 0 || st.Size() <= inlineLimit {
			content, err := os.ReadFile(local)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", rel, err)
			}
			p.Content = content
		}
		out = append(out, p)
	}
	return out, nil
}

// HashFile returns the hex SHA256 of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
