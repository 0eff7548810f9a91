package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/alerts"
	"go.uber.org/zap"
)

// DefaultRetryDelay is the fixed wait between a stream error and the next attempt.
const DefaultRetryDelay = 5 * time.Second

var (
	errMissingConnect = errors.New("reconciler: stream connect function is required")
	errStreamClosed   = errors.New("reconciler: stream closed by server")
)

// State is the live stream's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

// Stopper cancels a scheduled callback.
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type timerScheduler struct{}

func (timerScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// StreamFunc runs one stream attempt. It calls onOpen once the server accepted
// the connection and onAlert for each pushed alert, and returns when the stream ends.
type StreamFunc func(ctx context.Context, onOpen func(), onAlert func(alerts.Alert)) error

type LinkConfig struct {
	Connect    StreamFunc
	RetryDelay time.Duration
	Scheduler  Scheduler
	// OnState observes every transition. It runs with the link locked and must not call back into it.
	OnState func(State)
	// OnOpen runs on the stream goroutine before any alert of that connection; reconnect is
	// false only for the first successful connection.
	OnOpen  func(reconnect bool)
	OnAlert func(alerts.Alert)
	Logger  *zap.Logger
}

// Link keeps one live stream open, retrying after a fixed delay with at most one
// pending retry at a time.
type Link struct {
	connect    StreamFunc
	retryDelay time.Duration
	scheduler  Scheduler
	onState    func(State)
	onOpen     func(bool)
	onAlert    func(alerts.Alert)
	logger     *zap.Logger

	mu         sync.Mutex
	baseCtx    context.Context
	state      State
	generation uint64
	cancel     context.CancelFunc
	retry      Stopper
	attempts   int
	connected  bool
	running    bool
}

func NewLink(cfg LinkConfig) (*Link, error) {
	if cfg.Connect == nil {
		return nil, errMissingConnect
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	scheduler := cfg.Scheduler
	if scheduler == nil {
		scheduler = timerScheduler{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Link{
		connect:    cfg.Connect,
		retryDelay: retryDelay,
		scheduler:  scheduler,
		onState:    cfg.OnState,
		onOpen:     cfg.OnOpen,
		onAlert:    cfg.OnAlert,
		logger:     logger,
	}, nil
}

// Start opens the stream. Calling Start on a running link does nothing.
func (l *Link) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.baseCtx = ctx
	l.connectLocked()
}

// Stop tears the stream down and cancels any pending retry.
func (l *Link) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.generation++
	if l.retry != nil {
		l.retry.Stop()
		l.retry = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.setStateLocked(StateDisconnected)
}

// ReportError fails the current connection as if its stream had errored.
func (l *Link) ReportError(err error) {
	l.mu.Lock()
	generation := l.generation
	l.mu.Unlock()
	l.failed(generation, err)
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Attempts counts connection attempts, the first one included.
func (l *Link) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *Link) connectLocked() {
	l.generation++
	generation := l.generation
	l.attempts++
	ctx, cancel := context.WithCancel(l.baseCtx)
	l.cancel = cancel
	l.setStateLocked(StateConnecting)

	go func() {
		err := l.connect(ctx,
			func() { l.opened(generation) },
			func(alert alerts.Alert) { l.deliver(generation, alert) })
		if err == nil {
			err = errStreamClosed
		}
		l.failed(generation, err)
	}()
}

func (l *Link) opened(generation uint64) {
	l.mu.Lock()
	if generation != l.generation || !l.running {
		l.mu.Unlock()
		return
	}
	reconnect := l.connected
	l.connected = true
	l.setStateLocked(StateConnected)
	l.mu.Unlock()

	if l.onOpen != nil {
		l.onOpen(reconnect)
	}
}

func (l *Link) deliver(generation uint64, alert alerts.Alert) {
	l.mu.Lock()
	current := generation == l.generation && l.running && l.state == StateConnected
	l.mu.Unlock()
	if current && l.onAlert != nil {
		l.onAlert(alert)
	}
}

// failed moves to ERROR and arms the single retry timer. Errors from superseded
// connections and errors while a retry is already pending are ignored.
func (l *Link) failed(generation uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if generation != l.generation || !l.running || l.retry != nil {
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.logger.Warn("alert stream failed", zap.Int("attempt", l.attempts), zap.Error(err))
	l.setStateLocked(StateError)
	l.retry = l.scheduler.AfterFunc(l.retryDelay, func() {
		l.retryNow(generation)
	})
}

func (l *Link) retryNow(generation uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if generation != l.generation || !l.running {
		return
	}
	l.retry = nil
	l.connectLocked()
}

func (l *Link) setStateLocked(state State) {
	if l.state == state {
		return
	}
	l.state = state
	if l.onState != nil {
		l.onState(state)
	}
}
