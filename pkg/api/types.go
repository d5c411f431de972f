package api

import "time"

// v1 contains the public wire types exchanged with a stratus registry.

// CondaSpec describes a conda dependency manifest. Channel order is
// preserved on the wire because it sets resolution priority remotely.
type CondaSpec struct {
	Channels     []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// EnvironmentSpec is a named, reproducible software environment: a base
// container image plus conda and pip dependency lists.
type EnvironmentSpec struct {
	Name      string     `json:"name" yaml:"name"`
	Container string     `json:"container,omitempty" yaml:"container,omitempty"`
	Conda     *CondaSpec `json:"conda,omitempty" yaml:"conda,omitempty"`
	Pip       []string   `json:"pip,omitempty" yaml:"pip,omitempty"`
}

// JobSpec is a runnable job template. Software names a previously
// registered EnvironmentSpec.
type JobSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Software    string   `json:"software" yaml:"software"`
	Command     []string `json:"command" yaml:"command"`
	Files       []string `json:"files,omitempty" yaml:"files,omitempty"`
	Ports       []int    `json:"ports,omitempty" yaml:"ports,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// FilePayload carries one attached file alongside a job registration.
// Content is base64 on the wire; it is empty when the file was shipped
// out of band, in which case the registry records Path+SHA256 only.
type FilePayload struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	SHA256  string `json:"sha256"`
	Content []byte `json:"content,omitempty"`
}

// RegistrationResult is the registry's acknowledgment of a create call.
// Revision starts at 1 and increments each time the same name is redefined.
type RegistrationResult struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	KindEnvironment = "software-environment"
	KindJob         = "job-configuration"
)

// EnvironmentRecord is an EnvironmentSpec as stored by the registry.
type EnvironmentRecord struct {
	EnvironmentSpec
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobRecord is a JobSpec as stored by the registry.
type JobRecord struct {
	JobSpec
	Revision  int64     `json:"revision"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateJobRequest is the body of a job-configuration registration.
type CreateJobRequest struct {
	Job   JobSpec       `json:"job"`
	Files []FilePayload `json:"files,omitempty"`
}

type EnvironmentListResponse struct {
	Environments []EnvironmentRecord `json:"environments"`
}

type JobListResponse struct {
	Jobs []JobRecord `json:"jobs"`
}

// ErrorResponse is the JSON body the registry returns on rejection.
type ErrorResponse struct {
	Error string `json:"error"`
}

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}
