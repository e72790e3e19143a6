// Package healthmonitor is the Health Monitor (§4.5): an interval loop that
// independently probes every active credential so operators learn of
// breakage before end users do.
package healthmonitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldline-go/hardloop"

	"github.com/rakunlabs/coreserver/internal/cluster"
	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/notify"
)

const probePrompt = "ping"

// AdapterResolver looks up the configured Adapter (and its default model)
// for a credential's provider label, with its own decrypted secret in place
// of the provider's static config key.
type AdapterResolver interface {
	AdapterForProviderWithKey(provider, apiKey string) (llmadapter.Adapter, string, error)
}

// CredentialStore is the narrow slice of store.CredentialStorer the monitor needs.
type CredentialStore interface {
	ListCredentials(ctx context.Context) ([]model.Credential, error)
	BestActiveCredential(ctx context.Context, provider, feature string) (*model.Credential, string, error)
	RecordFailure(ctx context.Context, id string) (promoted bool, newCount int, err error)
	UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus, priority *int) (*model.Credential, error)
}

// HealthStore records each probe outcome.
type HealthStore interface {
	InsertHealthCheckRecord(ctx context.Context, credentialID, status string, latencyMS *int64, errText *string) error
}

// Monitor runs the periodic credential probe loop. At most one instance per
// process runs it (enforced by a sync.Once-guarded Start); in a clustered
// deployment only the elected leader probes, via the Cluster's health-monitor
// lock.
type Monitor struct {
	resolver AdapterResolver
	creds    CredentialStore
	health   HealthStore
	dispatch *notify.Dispatcher
	interval time.Duration
	cluster  *cluster.Cluster

	startOnce sync.Once
	cron      interface {
		Start(ctx context.Context) error
		Stop()
	}
}

func New(resolver AdapterResolver, creds CredentialStore, health HealthStore, dispatch *notify.Dispatcher, interval time.Duration, cl *cluster.Cluster) *Monitor {
	return &Monitor{
		resolver: resolver,
		creds:    creds,
		health:   health,
		dispatch: dispatch,
		interval: interval,
		cluster:  cl,
	}
}

// Start begins the probe loop in the background. A second call is a no-op
// (logged) since only one instance of the loop may run per process.
func (m *Monitor) Start(ctx context.Context) {
	started := false
	m.startOnce.Do(func() {
		started = true
		if m.cluster != nil {
			go m.runWithLeaderLock(ctx)
			return
		}
		go m.runLoop(ctx)
	})
	if !started {
		slog.Warn("health monitor: Start called more than once, ignoring")
	}
}

// runWithLeaderLock blocks acquiring the cluster's health-monitor lock before
// running the probe loop, so only the elected leader probes in a clustered
// deployment. Mirrors the teacher's scheduler leader-lock retry pattern.
func (m *Monitor) runWithLeaderLock(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := m.cluster.LockHealthMonitor(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("health monitor: failed to acquire leader lock, retrying", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}

		m.runLoop(ctx)

		m.cluster.UnlockHealthMonitor()
		return
	}
}

func (m *Monitor) runLoop(ctx context.Context) {
	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "health-monitor",
		Specs: []string{fmt.Sprintf("@every %ds", int(m.interval.Seconds()))},
		Func:  m.probeAll,
	})
	if err != nil {
		slog.Error("health monitor: create cron runner", "error", err)
		return
	}
	m.cron = cronJob

	if err := cronJob.Start(ctx); err != nil {
		slog.Error("health monitor: start cron runner", "error", err)
	}
}

// Stop stops the probe loop. Safe to call even if Start was never called.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// probeAll probes every active credential once. No ordering guarantee is
// made between probes of different credentials (§4.5).
func (m *Monitor) probeAll(ctx context.Context) error {
	credentials, err := m.creds.ListCredentials(ctx)
	if err != nil {
		slog.Error("health monitor: list credentials", "error", err)
		return nil
	}

	for _, c := range credentials {
		if c.Status != model.StatusActive {
			continue
		}
		m.probeOne(ctx, c)
	}
	return nil
}

// probeOne decrypts and calls the Provider Adapter for c's own (provider,
// feature) pool (§4.5), recording the outcome against c. It uses
// BestActiveCredential, the same store lookup the Router's pool path
// narrows its candidate query with, to obtain the pool's current decrypted
// secret rather than probing with a static provider-level config key.
// Probing still walks every active credential individually so each one
// gets its own HealthCheckRecord and failure count.
func (m *Monitor) probeOne(ctx context.Context, c model.Credential) {
	best, plaintext, err := m.creds.BestActiveCredential(ctx, c.Provider, c.Feature)
	if err != nil {
		slog.Error("health monitor: load best active credential", "provider", c.Provider, "feature", c.Feature, "error", err)
		return
	}
	if best == nil {
		// c itself was active a moment ago but the pool is now empty (raced
		// with a concurrent disable); nothing left to probe with.
		return
	}

	adapter, model_, err := m.resolver.AdapterForProviderWithKey(c.Provider, plaintext)
	if err != nil {
		slog.Error("health monitor: resolve adapter", "provider", c.Provider, "error", err)
		return
	}

	start := time.Now()
	result := adapter.Call(ctx, model_, []llmadapter.Message{{Role: "user", Content: probePrompt}})
	latency := time.Since(start).Milliseconds()

	if result.Success {
		m.recordSuccess(ctx, c, latency)
		return
	}
	m.recordFailure(ctx, c, latency, result.Err)
}

func (m *Monitor) recordSuccess(ctx context.Context, c model.Credential, latencyMS int64) {
	if err := m.health.InsertHealthCheckRecord(ctx, c.ID, "success", &latencyMS, nil); err != nil {
		slog.Error("health monitor: insert health check record", "credential_id", c.ID, "error", err)
	}
	if c.FailureCount > 0 {
		if _, err := m.creds.UpdateCredentialStatus(ctx, c.ID, model.StatusActive, nil); err != nil {
			slog.Error("health monitor: clear failure count", "credential_id", c.ID, "error", err)
		}
	}
}

func (m *Monitor) recordFailure(ctx context.Context, c model.Credential, latencyMS int64, callErr error) {
	errText := "probe failed"
	if callErr != nil {
		errText = callErr.Error()
	}
	if err := m.health.InsertHealthCheckRecord(ctx, c.ID, "failure", &latencyMS, &errText); err != nil {
		slog.Error("health monitor: insert health check record", "credential_id", c.ID, "error", err)
	}

	promoted, newCount, err := m.creds.RecordFailure(ctx, c.ID)
	if err != nil {
		slog.Error("health monitor: record failure", "credential_id", c.ID, "error", err)
		return
	}

	if promoted && m.dispatch != nil {
		m.dispatch.Dispatch(ctx, notify.Notification{
			Event:   notify.EventAPIKeyFailure,
			Summary: fmt.Sprintf("credential %s (%s/%s) demoted to degraded after %d failures", c.ID, c.Provider, c.Feature, newCount),
			Fields: map[string]string{
				"credential_id": c.ID,
				"provider":      c.Provider,
				"feature":       c.Feature,
				"last_error":    errText,
			},
			Timestamp: time.Now().UTC(),
		})
	}
}
