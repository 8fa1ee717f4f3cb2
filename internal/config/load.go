package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hedgehog/gitops-sync/internal/errs"
	"github.com/hedgehog/gitops-sync/internal/validate"
)

// Load reads, parses, and validates the sync config at path. Every
// Application Spec field of kind k8sName/relPath/branch is run through
// validate.Value; interval must parse as a duration; concurrency must be
// >= 1; health-check retries >= 1, initialDelayMs >= 0, backoffFactor >=
// 1.0, maxDelayMs >= initialDelayMs. Any violation is fatal: the service
// refuses to start.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Path: path, Cause: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errs.ConfigError{Path: path, Cause: fmt.Errorf("invalid YAML: %w", err)}
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, &errs.ConfigError{Path: path, Field: fieldOf(err), Cause: err}
	}

	return &cfg, nil
}

// fieldOf extracts the offending field name from a *errs.ValidationError so
// ConfigError.Field can surface it, falling back to empty for any other
// error shape.
func fieldOf(err error) string {
	if ve, ok := err.(*errs.ValidationError); ok {
		return ve.Field
	}
	return ""
}

// validate checks the whole config tree, in the order a human reading the
// file top to bottom would expect to see errors reported.
func (c *Config) validate() error {
	if !validate.Duration(c.Sync.Interval) {
		return &errs.ValidationError{Field: "sync.interval", Value: c.Sync.Interval, Rule: string(validate.KindDuration)}
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be >= 1, got %d", c.Sync.Concurrency)
	}

	if !validate.Branch(c.Git.Branch) {
		return &errs.ValidationError{Field: "git.branch", Value: c.Git.Branch, Rule: string(validate.KindBranch)}
	}
	if c.Git.Repository == "" {
		return fmt.Errorf("git.repository is required")
	}

	if c.HealthCheck.Retries < 1 {
		return fmt.Errorf("healthCheck.retries must be >= 1, got %d", c.HealthCheck.Retries)
	}
	if c.HealthCheck.InitialDelayMs < 0 {
		return fmt.Errorf("healthCheck.initialDelay must be >= 0, got %d", c.HealthCheck.InitialDelayMs)
	}
	if c.HealthCheck.BackoffFactor < 1.0 {
		return fmt.Errorf("healthCheck.backoffFactor must be >= 1.0, got %f", c.HealthCheck.BackoffFactor)
	}
	if c.HealthCheck.MaxDelayMs < c.HealthCheck.InitialDelayMs {
		return fmt.Errorf("healthCheck.maxDelay (%d) must be >= initialDelay (%d)", c.HealthCheck.MaxDelayMs, c.HealthCheck.InitialDelayMs)
	}

	seen := make(map[string]struct{}, len(c.Applications))
	for i, app := range c.Applications {
		if err := validateApplication(i, app); err != nil {
			return err
		}
		key := app.Namespace + "/" + app.ID
		if _, dup := seen[key]; dup {
			return fmt.Errorf("applications[%d]: duplicate (namespace, name) pair %q: two concurrent syncs targeting the same release are forbidden", i, key)
		}
		seen[key] = struct{}{}
	}

	return nil
}

func validateApplication(i int, app Application) error {
	if !validate.K8sName(app.ID) {
		return &errs.ValidationError{Field: fmt.Sprintf("applications[%d].name", i), Value: app.ID, Rule: string(validate.KindK8sName)}
	}
	if !validate.K8sName(app.Namespace) {
		return &errs.ValidationError{Field: fmt.Sprintf("applications[%d].namespace", i), Value: app.Namespace, Rule: string(validate.KindK8sName)}
	}
	if !validate.RelPath(app.Path) {
		return &errs.ValidationError{Field: fmt.Sprintf("applications[%d].path", i), Value: app.Path, Rule: string(validate.KindRelPath)}
	}
	for j, vf := range app.ValueFiles {
		if !validate.RelPath(vf) {
			return &errs.ValidationError{Field: fmt.Sprintf("applications[%d].valueFiles[%d]", i, j), Value: vf, Rule: string(validate.KindRelPath)}
		}
	}
	if app.HealthCheckRetries < 0 {
		return fmt.Errorf("applications[%d].healthCheckRetries must be >= 0, got %d", i, app.HealthCheckRetries)
	}
	return nil
}
