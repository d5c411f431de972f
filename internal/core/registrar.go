package core

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratus-run/stratus/internal/manifest"
	"github.com/stratus-run/stratus/internal/platform"
	"github.com/stratus-run/stratus/internal/telemetry"
	"github.com/stratus-run/stratus/pkg/api"
)

// Registrar performs the two-step registration workflow: software
// environments first, then the job configurations that reference them.
// A failure aborts the run and propagates; nothing already registered is
// rolled back, because the registry owns that state.
type Registrar struct {
	cfg    Config
	client *platform.Client
	sync   *FileSync

	// SyncAll ships every attached file through the uploads host instead
	// of inlining, regardless of size.
	SyncAll bool
}

func NewRegistrar(cfg Config) *Registrar {
	r := &Registrar{cfg: cfg, client: NewClient(cfg)}
	if cfg.Uploads.Host != "" {
		r.sync = NewFileSync(cfg)
	}
	return r
}

// Client exposes the underlying registry client.
func (r *Registrar) Client() *platform.Client { return r.client }

// Apply registers everything a manifest declares, in document order.
func (r *Registrar) Apply(ctx context.Context, m *manifest.Manifest) ([]api.RegistrationResult, error) {
	var results []api.RegistrationResult
	for _, env := range m.Environments {
		res, err := r.RegisterEnvironment(ctx, env)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	for _, job := range m.Jobs {
		res, err := r.RegisterJob(ctx, m, job)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// RegisterEnvironment submits one software environment.
func (r *Registrar) RegisterEnvironment(ctx context.Context, env api.EnvironmentSpec) (*api.RegistrationResult, error) {
	start := time.Now()
	res, err := r.client.CreateSoftwareEnvironment(ctx, env)
	if err != nil {
		telemetry.CounterGlobal("stratus_register_errors", 1, map[string]string{
			"component": "registrar",
			"kind":      api.KindEnvironment,
		})
		return nil, fmt.Errorf("register environment %s: %w", env.Name, err)
	}
	telemetry.TimerGlobal("stratus_register_duration", time.Since(start), map[string]string{
		"component": "registrar",
		"kind":      api.KindEnvironment,
	})
	log.Info().Str("name", res.Name).Int64("revision", res.Revision).Msg("registered software environment")
	return res, nil
}

// RegisterJob resolves a job's attached files and submits the job
// configuration. Files over the inline limit are pushed to the uploads
// host first; without one configured, an oversized file fails the run
// before any request is made.
func (r *Registrar) RegisterJob(ctx context.Context, m *manifest.Manifest, job api.JobSpec) (*api.RegistrationResult, error) {
	start := time.Now()
	files, err := m.ResolveFiles(job, int64(r.cfg.Defaults.InlineLimitKB)*1024)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", job.Name, err)
	}
	for i := range files {
		if r.SyncAll {
			files[i].Content = nil
		}
		if files[i].Content != nil {
			continue
		}
		if r.sync == nil {
			return nil, fmt.Errorf("job %s: file %s exceeds inline limit and no uploads host is configured",
				job.Name, files[i].Path)
		}
		if err := r.sync.Push(ctx, m.Dir, job.Name, files[i]); err != nil {
			return nil, fmt.Errorf("job %s: sync %s: %w", job.Name, files[i].Path, err)
		}
	}
	res, err := r.client.CreateJobConfiguration(ctx, job, files)
	if err != nil {
		telemetry.CounterGlobal("stratus_register_errors", 1, map[string]string{
			"component": "registrar",
			"kind":      api.KindJob,
		})
		return nil, fmt.Errorf("register job %s: %w", job.Name, err)
	}
	telemetry.TimerGlobal("stratus_register_duration", time.Since(start), map[string]string{
		"component": "registrar",
		"kind":      api.KindJob,
	})
	log.Info().Str("name", res.Name).Str("software", job.Software).Msg("registered job configuration")
	return res, nil
}
