// Package health implements the Health Prober (C6): after a release
// action, wait for workload availability with bounded exponential-backoff
// retries, failing loud when the budget is exhausted.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/hedgehog/gitops-sync/internal/errs"
	"github.com/hedgehog/gitops-sync/internal/report"
)

// defaultWaitBudget is the per-attempt wait budget for the condition wait.
const defaultWaitBudget = 30 * time.Second

// Target names what the prober waits on.
type Target struct {
	App       string
	Namespace string
	Retries   int
	// InitialDelay, BackoffFactor, MaxDelay define the inter-attempt sleep
	// schedule: min(InitialDelay * BackoffFactor^(k-1), MaxDelay).
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
	// WaitBudget is the per-attempt wait budget; zero means
	// defaultWaitBudget.
	WaitBudget time.Duration
}

// Prober waits for Deployment availability via the control plane's own
// watch machinery rather than a polling loop — the watch primitive offloads
// the availability-condition bookkeeping to the API server and returns as
// soon as the condition is met.
type Prober struct {
	clientset kubernetes.Interface
	log       report.Logger
	sleep     func(context.Context, time.Duration) error
}

// New returns a Prober against clientset.
func New(clientset kubernetes.Interface, log report.Logger) *Prober {
	return &Prober{clientset: clientset, log: log, sleep: sleepCtx}
}

// Probe waits for every Deployment labeled app=<t.App> in t.Namespace to
// become Available, retrying up to t.Retries times with the configured
// backoff schedule. It returns *errs.HealthError once the budget is
// exhausted.
func (p *Prober) Probe(ctx context.Context, t Target) error {
	budget := t.WaitBudget
	if budget == 0 {
		budget = defaultWaitBudget
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     t.InitialDelay,
		Multiplier:          t.BackoffFactor,
		MaxInterval:         t.MaxDelay,
		MaxElapsedTime:      0,
		RandomizationFactor: 0,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= t.Retries; attempt++ {
		attempts = attempt
		attemptCtx, cancel := context.WithTimeout(ctx, budget)
		err := p.waitAvailable(attemptCtx, t.Namespace, t.App)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err
		p.log.Warn("health probe attempt failed", "app", t.App, "namespace", t.Namespace, "attempt", attempt, "error", err)

		if attempt == t.Retries {
			break
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}

	return &errs.HealthError{App: t.App, Attempts: attempts, Cause: lastErr}
}

// waitAvailable blocks until every matching Deployment reports Available,
// or ctx is done.
func (p *Prober) waitAvailable(ctx context.Context, namespace, app string) error {
	selector := "app=" + app

	list, err := p.clientset.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}
	if len(list.Items) == 0 {
		return fmt.Errorf("no deployments matching %s in namespace %s", selector, namespace)
	}

	pending := make(map[string]bool, len(list.Items))
	for _, d := range list.Items {
		pending[d.Name] = !deploymentAvailable(&d)
	}
	if !anyPending(pending) {
		return nil
	}

	w, err := p.clientset.AppsV1().Deployments(namespace).Watch(ctx, metav1.ListOptions{
		LabelSelector:   selector,
		ResourceVersion: list.ResourceVersion,
	})
	if err != nil {
		return fmt.Errorf("watching deployments: %w", err)
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.ResultChan():
			if !ok {
				return fmt.Errorf("deployment watch closed before availability")
			}
			if ev.Type == watch.Error {
				return fmt.Errorf("deployment watch error")
			}
			dep, ok := ev.Object.(*appsv1.Deployment)
			if !ok {
				continue
			}
			pending[dep.Name] = !deploymentAvailable(dep)
			if !anyPending(pending) {
				return nil
			}
		}
	}
}

func anyPending(pending map[string]bool) bool {
	for _, p := range pending {
		if p {
			return true
		}
	}
	return false
}

func deploymentAvailable(d *appsv1.Deployment) bool {
	for _, cond := range d.Status.Conditions {
		if cond.Type == appsv1.DeploymentAvailable && cond.Status == "True" {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
