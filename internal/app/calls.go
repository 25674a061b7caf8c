package app

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/RockInMyHead/voicepipe/internal/pipeline"
	"github.com/RockInMyHead/voicepipe/pkg/device"
)

// CallInfo holds metadata about one active call.
type CallInfo struct {
	// CallID is the unique identifier for this call.
	CallID string

	// StartedAt is when the call was registered.
	StartedAt time.Time

	// Platform is the caller's raw platform string, kept for diagnostics.
	Platform string

	// Mode is the transcription mode the call started in.
	Mode pipeline.Mode
}

// Call is one registered voice call: its pipeline plus the resources that
// must be released when it ends.
type Call struct {
	Info     CallInfo
	Profile  device.Profile
	Pipeline *pipeline.Pipeline

	// closers are called in reverse order after the pipeline is cleaned up.
	closers []func() error
}

// AddCloser appends a teardown function to run when the call ends.
func (c *Call) AddCloser(fn func() error) {
	c.closers = append(c.closers, fn)
}

// CallManager tracks active calls. Unlike a single-session system, any
// number of calls may run concurrently; each owns an independent pipeline.
// All exported methods are safe for concurrent use.
type CallManager struct {
	mu     sync.Mutex
	calls  map[string]*Call
	logger *slog.Logger
}

// NewCallManager creates an empty CallManager.
func NewCallManager(logger *slog.Logger) *CallManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallManager{
		calls:  make(map[string]*Call),
		logger: logger,
	}
}

// Register adds a call to the registry. Call IDs must be unique; a
// duplicate is an error and the caller keeps ownership of the call.
func (cm *CallManager) Register(call *Call) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	id := call.Info.CallID
	if _, exists := cm.calls[id]; exists {
		return fmt.Errorf("app: call %q is already registered", id)
	}
	cm.calls[id] = call

	cm.logger.Info("call registered",
		"call_id", id,
		"platform", call.Info.Platform,
		"mode", string(call.Info.Mode),
		"active", len(cm.calls))
	return nil
}

// Get returns the call with the given ID, or nil.
func (cm *CallManager) Get(id string) *Call {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.calls[id]
}

// Count returns the number of active calls.
func (cm *CallManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.calls)
}

// Infos returns a snapshot of all active call metadata.
func (cm *CallManager) Infos() []CallInfo {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	out := make([]CallInfo, 0, len(cm.calls))
	for _, c := range cm.calls {
		out = append(out, c.Info)
	}
	return out
}

// End removes a call and tears it down: pipeline cleanup first, then the
// call's closers in reverse registration order. Ending an unknown ID is a
// no-op; teardown runs exactly once per call.
func (cm *CallManager) End(id string) {
	cm.mu.Lock()
	call, ok := cm.calls[id]
	if ok {
		delete(cm.calls, id)
	}
	remaining := len(cm.calls)
	cm.mu.Unlock()

	if !ok {
		return
	}
	cm.teardown(call)
	cm.logger.Info("call ended", "call_id", id, "active", remaining)
}

// EndAll ends every active call. Used on server shutdown.
func (cm *CallManager) EndAll() {
	cm.mu.Lock()
	calls := make([]*Call, 0, len(cm.calls))
	for _, c := range cm.calls {
		calls = append(calls, c)
	}
	cm.calls = make(map[string]*Call)
	cm.mu.Unlock()

	for _, call := range calls {
		cm.teardown(call)
	}
	if len(calls) > 0 {
		cm.logger.Info("all calls ended", "count", len(calls))
	}
}

func (cm *CallManager) teardown(call *Call) {
	if call.Pipeline != nil {
		call.Pipeline.Cleanup()
	}
	for i := len(call.closers) - 1; i >= 0; i-- {
		if err := call.closers[i](); err != nil {
			cm.logger.Warn("call closer error", "call_id", call.Info.CallID, "index", i, "err", err)
		}
	}
}
