// Package release implements the Release Driver (C5): for one application,
// detect a prior release, decide install vs upgrade, apply the chart,
// optionally dry-run, and trigger rollback on failure.
package release

import (
	"context"
	"path"
	"time"

	"github.com/hedgehog/gitops-sync/internal/config"
	"github.com/hedgehog/gitops-sync/internal/errs"
	"github.com/hedgehog/gitops-sync/internal/execx"
	"github.com/hedgehog/gitops-sync/internal/health"
	"github.com/hedgehog/gitops-sync/internal/report"
)

const (
	statusTimeout   = 30 * time.Second
	applyTimeout    = 10 * time.Minute
	rollbackTimeout = 5 * time.Minute
)

// Driver applies one application's release against a workspace checkout.
type Driver struct {
	runner       execx.CommandRunner
	prober       *health.Prober
	workspaceDir string
	cfg          *config.Config
	log          report.Logger
}

// New returns a Driver. workspaceDir is the root of the Git Workspace
// checkout; every Application.Path is resolved relative to it.
func New(runner execx.CommandRunner, prober *health.Prober, workspaceDir string, cfg *config.Config, log report.Logger) *Driver {
	return &Driver{runner: runner, prober: prober, workspaceDir: workspaceDir, cfg: cfg, log: log}
}

// Sync runs the full C5 algorithm for app and returns a sealed SyncResult.
// It never panics and never returns a nil result: every code path seals and
// returns a result, by design, so the Reconciliation Engine's fold over
// results needs no special-casing.
func (d *Driver) Sync(ctx context.Context, app config.Application) *report.SyncResult {
	result := report.NewSyncResult(app.ID, app.Namespace)

	if !app.Enabled || !app.AutoSync {
		result.Action = report.ActionSkip
		result.Success = true
		return result.Seal()
	}

	chartPath := path.Join(d.workspaceDir, app.Path)

	priorRelease := d.releaseExists(ctx, app)

	action := report.ActionUpgrade
	if !priorRelease {
		action = report.ActionInstall
	}
	result.Action = action

	isDryRun := d.cfg.Sync.DryRun

	applyErr := d.apply(ctx, app, chartPath, action, priorRelease)
	if applyErr == nil && d.cfg.HealthCheck.Enabled && !isDryRun {
		hc := d.cfg.HealthCheckFor(app)
		applyErr = d.prober.Probe(ctx, health.Target{
			App:           app.ID,
			Namespace:     app.Namespace,
			Retries:       hc.Retries,
			InitialDelay:  hc.InitialDelay(),
			BackoffFactor: hc.BackoffFactor,
			MaxDelay:      hc.MaxDelay(),
		})
	}

	if applyErr == nil {
		result.Success = true
		return result.Seal()
	}

	result.Success = false
	result.Error = applyErr.Error()

	// A rollback is attempted iff a prior release existed, autoRollback is
	// set, and the failed action was not a dry-run.
	if priorRelease && d.cfg.Sync.AutoRollback && !isDryRun {
		if rbErr := d.rollback(ctx, app); rbErr != nil {
			d.log.Error("rollback failed", "app", app.ID, "namespace", app.Namespace, "error", rbErr, "original_error", applyErr)
			result.Error = applyErr.Error() + "; rollback also failed: " + rbErr.Error()
		} else {
			result.RolledBack = true
		}
	}

	return result.Seal()
}

// releaseExists queries whether a release named app.ID exists in
// app.Namespace. A nonzero exit from the status invocation is the defined
// convention for "release absent", not an error.
func (d *Driver) releaseExists(ctx context.Context, app config.Application) bool {
	args := []string{"status", app.ID, "-n", app.Namespace}
	_, err := d.runner.Run(ctx, "helm", args, execx.Options{Timeout: statusTimeout, Capture: true})
	return err == nil
}

func (d *Driver) apply(ctx context.Context, app config.Application, chartPath string, action report.Action, priorRelease bool) error {
	args := []string{string(action), app.ID, chartPath, "-n", app.Namespace}
	for _, vf := range app.ValueFiles {
		args = append(args, "-f", path.Join(chartPath, vf))
	}
	if action == report.ActionInstall {
		args = append(args, "--create-namespace")
	}
	args = append(args, "--wait")
	if d.cfg.Sync.DryRun {
		args = append(args, "--dry-run")
	}

	if _, err := d.runner.Run(ctx, "helm", args, execx.Options{Timeout: applyTimeout, Capture: true}); err != nil {
		releaseAction := errs.ReleaseActionUpgrade
		if action == report.ActionInstall {
			releaseAction = errs.ReleaseActionInstall
		}
		return &errs.ReleaseError{App: app.ID, Action: releaseAction, Cause: err}
	}
	return nil
}

func (d *Driver) rollback(ctx context.Context, app config.Application) error {
	args := []string{"rollback", app.ID, "-n", app.Namespace}
	if _, err := d.runner.Run(ctx, "helm", args, execx.Options{Timeout: rollbackTimeout, Capture: true}); err != nil {
		return &errs.ReleaseError{App: app.ID, Action: errs.ReleaseActionRollback, Cause: err}
	}
	return nil
}
