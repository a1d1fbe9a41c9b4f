package metrics

import (
	"net/http"
	"time"

	"skillsyncd/internal/reconcile"
	"skillsyncd/internal/store"
	"skillsyncd/internal/watcher"
)

// SyncMetrics holds the series skillsyncd serve exports.
type SyncMetrics struct {
	registry *Registry

	WatcherCreated  *Counter
	WatcherModified *Counter
	WatcherDeleted  *Counter
	EpisodesStarted *Counter
	ReconcileRuns   *Counter
	ReconcileErrors *Counter
	EventsRecorded  *Counter

	PendingSkills       *Gauge
	DeploymentsTracked  *Gauge
	DeploymentsSynced   *Gauge
	DeploymentsDiverged *Gauge
	DeploymentsMissing  *Gauge
	UntrackedDirs       *Gauge
	UptimeSeconds       *Gauge

	ReconcileDuration *Histogram

	started time.Time
}

// NewSyncMetrics registers the skillsyncd series in registry. A nil registry
// gets a fresh one under the "skillsyncd" namespace.
func NewSyncMetrics(registry *Registry) *SyncMetrics {
	if registry == nil {
		registry = NewRegistry("skillsyncd")
	}
	const watcherHelp = "External edits folded into the store by the watcher"
	return &SyncMetrics{
		registry: registry,

		WatcherCreated:  registry.Counter("watcher_events_total", watcherHelp, Labels{"type": string(store.EventCreated)}),
		WatcherModified: registry.Counter("watcher_events_total", watcherHelp, Labels{"type": string(store.EventModified)}),
		WatcherDeleted:  registry.Counter("watcher_events_total", watcherHelp, Labels{"type": string(store.EventDeleted)}),
		EpisodesStarted: registry.Counter("pending_episodes_total", "Pending-change episodes started", nil),
		ReconcileRuns:   registry.Counter("reconcile_runs_total", "Reconciliation passes completed", nil),
		ReconcileErrors: registry.Counter("reconcile_errors_total", "Reconciliation passes that failed", nil),
		EventsRecorded:  registry.Counter("reconcile_events_total", "Change events recorded by reconciliation", nil),

		PendingSkills:       registry.Gauge("pending_skills", "Skills with an unresolved external edit", nil),
		DeploymentsTracked:  registry.Gauge("deployments", "Deployments checked by the last reconciliation", nil),
		DeploymentsSynced:   registry.Gauge("deployments_status", "Deployments by status at the last reconciliation", Labels{"status": string(store.StatusSynced)}),
		DeploymentsDiverged: registry.Gauge("deployments_status", "Deployments by status at the last reconciliation", Labels{"status": string(store.StatusDiverged)}),
		DeploymentsMissing:  registry.Gauge("deployments_status", "Deployments by status at the last reconciliation", Labels{"status": string(store.StatusMissing)}),
		UntrackedDirs:       registry.Gauge("untracked_dirs", "Untracked skill directories found by the last reconciliation", nil),
		UptimeSeconds:       registry.Gauge("uptime_seconds", "Seconds since serve started", nil),

		ReconcileDuration: registry.Histogram("reconcile_duration_seconds", "Time spent in a reconciliation pass", nil, DurationBuckets),

		started: time.Now(),
	}
}

// Registry returns the registry the series live in.
func (m *SyncMetrics) Registry() *Registry {
	return m.registry
}

// ObserveNotification counts one handled watcher event.
func (m *SyncMetrics) ObserveNotification(n watcher.Notification) {
	switch n.EventType {
	case store.EventCreated:
		m.WatcherCreated.Inc()
	case store.EventModified:
		m.WatcherModified.Inc()
	case store.EventDeleted:
		m.WatcherDeleted.Inc()
	}
	if n.NewEpisode {
		m.EpisodesStarted.Inc()
	}
}

// ObserveReconcile records one reconciliation pass. A nil report counts as
// a failed pass.
func (m *SyncMetrics) ObserveReconcile(rep *reconcile.Report, took time.Duration) {
	m.ReconcileDuration.ObserveDuration(took)
	if rep == nil {
		m.ReconcileErrors.Inc()
		return
	}
	m.ReconcileRuns.Inc()
	m.EventsRecorded.Add(uint64(rep.EventsCreated))
	m.DeploymentsTracked.Set(int64(rep.Checked))
	m.DeploymentsSynced.Set(int64(rep.Synced))
	m.DeploymentsDiverged.Set(int64(rep.DivergedDetected))
	m.DeploymentsMissing.Set(int64(rep.MissingDetected))
	m.UntrackedDirs.Set(int64(rep.UntrackedFound))
}

// Handler refreshes the uptime gauge and serves the registry.
func (m *SyncMetrics) Handler() http.Handler {
	inner := m.registry.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
		inner.ServeHTTP(w, r)
	})
}
