package reconciler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"go.uber.org/zap"
)

var (
	errMissingTransport   = errors.New("reconciler: transport is required")
	errReconnectRequested = errors.New("reconciler: reconnect requested")
)

// Transport fetches snapshots and runs push-stream attempts.
type Transport interface {
	Snapshot(ctx context.Context) ([]alerts.Alert, error)
	Stream(ctx context.Context, onOpen func(), onAlert func(alerts.Alert)) error
}

type Config struct {
	Transport  Transport
	Capacity   int
	RetryDelay time.Duration
	Scheduler  Scheduler
	// Settings gates Notify; without it nothing is notified.
	Settings *SettingsController
	// Notify receives pushed alerts whose absolute change meets the enabled threshold.
	Notify func(alerts.Alert)
	// OnChange runs after the timeline changed.
	OnChange func()
	// OnState observes link transitions; see LinkConfig.OnState.
	OnState func(State)
	Logger  *zap.Logger
}

// Reconciler keeps a local timeline in step with the server: one snapshot on
// start, live pushes afterwards, and a merged re-snapshot each time the stream
// opens, so alerts written before the subscription was registered are not lost.
type Reconciler struct {
	transport Transport
	settings  *SettingsController
	notify    func(alerts.Alert)
	onChange  func()
	logger    *zap.Logger
	link      *Link

	mu          sync.Mutex
	timeline    *Timeline
	filter      Filter
	snapshotErr error
	baseCtx     context.Context
}

func New(cfg Config) (*Reconciler, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		transport: cfg.Transport,
		settings:  cfg.Settings,
		notify:    cfg.Notify,
		onChange:  cfg.OnChange,
		logger:    logger,
		timeline:  NewTimeline(cfg.Capacity),
	}
	link, err := NewLink(LinkConfig{
		Connect:    cfg.Transport.Stream,
		RetryDelay: cfg.RetryDelay,
		Scheduler:  cfg.Scheduler,
		OnState:    cfg.OnState,
		OnOpen:     r.handleOpen,
		OnAlert:    r.handleAlert,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	r.link = link
	return r, nil
}

// Start loads the initial snapshot and opens the live stream. A snapshot failure
// is recorded for display and does not prevent streaming.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()

	snapshot, err := r.transport.Snapshot(ctx)
	r.mu.Lock()
	if err != nil {
		r.snapshotErr = err
		r.logger.Warn("initial snapshot failed", zap.Error(err))
	} else {
		r.snapshotErr = nil
		r.timeline.Replace(snapshot)
	}
	r.mu.Unlock()
	r.changed()

	r.link.Start(ctx)
}

// Stop cancels the live stream and any pending reconnect.
func (r *Reconciler) Stop() {
	r.link.Stop()
	r.changed()
}

// Refresh re-fetches the snapshot and merges it, keeping current state on failure.
func (r *Reconciler) Refresh(ctx context.Context) error {
	snapshot, err := r.transport.Snapshot(ctx)
	r.mu.Lock()
	if err != nil {
		r.snapshotErr = err
		r.mu.Unlock()
		r.changed()
		return err
	}
	r.snapshotErr = nil
	r.timeline.Merge(snapshot)
	r.mu.Unlock()
	r.changed()
	return nil
}

// View returns the filtered timeline, newest first.
func (r *Reconciler) View() []alerts.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeline.View(r.filter)
}

func (r *Reconciler) SetFilter(filter Filter) {
	r.mu.Lock()
	r.filter = filter
	r.mu.Unlock()
	r.changed()
}

func (r *Reconciler) State() State {
	return r.link.State()
}

// SnapshotErr is the last snapshot failure, nil after a successful fetch.
func (r *Reconciler) SnapshotErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotErr
}

// Reconnect drops the current stream and schedules a fresh attempt, after
// which the timeline is re-merged like any other reconnect.
func (r *Reconciler) Reconnect(reason error) {
	if reason == nil {
		reason = errReconnectRequested
	}
	r.link.ReportError(reason)
}

func (r *Reconciler) handleOpen(reconnect bool) {
	r.changed()
	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	if err := r.Refresh(ctx); err != nil {
		r.logger.Warn("snapshot after stream open failed", zap.Bool("reconnect", reconnect), zap.Error(err))
	}
}

func (r *Reconciler) handleAlert(alert alerts.Alert) {
	r.mu.Lock()
	added := r.timeline.Push(alert)
	r.mu.Unlock()
	if !added {
		return
	}
	r.changed()
	if r.shouldNotify(alert) {
		r.notify(alert)
	}
}

func (r *Reconciler) shouldNotify(alert alerts.Alert) bool {
	if r.notify == nil || r.settings == nil {
		return false
	}
	prefs := r.settings.Preferences()
	return prefs.Enabled && math.Abs(alert.ChangePercentage) >= prefs.Threshold
}

func (r *Reconciler) changed() {
	if r.onChange != nil {
		r.onChange()
	}
}
