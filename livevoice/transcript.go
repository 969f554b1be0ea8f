package livevoice

import (
	"log/slog"
	"slices"
	"sync"

	"go.aimuz.me/voicelink/internal/types"
	"go.aimuz.me/voicelink/livevoice/realtime"
)

// Known agent action types.
const (
	ActionCalendarCheck = "calendar-check"
	ActionCalendarBook  = "calendar-book"
)

// Stopper interrupts assistant playback.
type Stopper interface {
	StopAll()
}

// Registry is the external integration status collection.
type Registry interface {
	Find(key string) (types.IntegrationStatus, bool)
	Update(status types.IntegrationStatus) bool
}

// ActionFunc handles one agent-requested action.
type ActionFunc func(realtime.Action)

// Aggregator folds inbound control events into the transcript. At most one
// assistant message is open for deltas at a time.
type Aggregator struct {
	stopper  Stopper
	registry Registry

	mu             sync.Mutex
	messages       []types.Message
	open           int // index of the open assistant message, -1 if none
	showEmpty      bool
	lastResponseID string
	actions        map[string]ActionFunc

	hookMu   sync.RWMutex
	onChange func([]types.Message)
}

// NewAggregator creates an Aggregator. registry may be nil.
func NewAggregator(stopper Stopper, registry Registry) *Aggregator {
	return &Aggregator{
		stopper:   stopper,
		registry:  registry,
		open:      -1,
		showEmpty: true,
		actions:   make(map[string]ActionFunc),
	}
}

// RegisterAction binds an agent action type to a trigger.
func (a *Aggregator) RegisterAction(actionType string, fn ActionFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions[actionType] = fn
}

// OnChange registers a hook receiving a snapshot after every transcript
// mutation.
func (a *Aggregator) OnChange(fn func([]types.Message)) {
	a.hookMu.Lock()
	a.onChange = fn
	a.hookMu.Unlock()
}

// Handle applies one control event. It never panics; faults in hooks are
// logged.
func (a *Aggregator) Handle(ev realtime.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transcript: event handler panic", "type", realtime.TypeOf(ev), "panic", r)
		}
	}()

	switch e := ev.(type) {
	case realtime.TranscriptDeltaEvent:
		a.appendDelta(e.Delta)

	case realtime.TranscriptDoneEvent:
		a.mu.Lock()
		a.open = -1
		a.mu.Unlock()

	case realtime.ResponseCreatedEvent:
		if a.stopper != nil {
			a.stopper.StopAll()
		}
		a.mu.Lock()
		a.lastResponseID = e.Response.ID
		a.mu.Unlock()
		slog.Debug("response started", "id", e.Response.ID)

	case realtime.StepEvent:
		a.applyStep(e)

	case realtime.AgentResponseEvent:
		a.runActions(e.Payload.Actions)

	case realtime.ErrorEvent:
		slog.Warn("backend error", "type", e.Error.Type, "code", e.Error.Code, "message", e.Error.Message)

	default:
		slog.Debug("ignoring event", "type", realtime.TypeOf(ev))
	}
}

func (a *Aggregator) appendDelta(delta string) {
	a.mu.Lock()
	if a.open < 0 {
		a.messages = append(a.messages, types.Message{Text: delta, Author: types.AuthorAssistant})
		a.open = len(a.messages) - 1
	} else {
		a.messages[a.open].Text += delta
	}
	a.showEmpty = false
	snap := slices.Clone(a.messages)
	a.mu.Unlock()

	a.notify(snap)
}

func (a *Aggregator) applyStep(e realtime.StepEvent) {
	if a.registry == nil {
		return
	}
	if e.KeyMissing {
		slog.Debug("step without integration key", "step", e.Step)
		return
	}
	status, ok := a.registry.Find(e.Key)
	if !ok {
		slog.Debug("step for unknown integration", "key", e.Key)
		return
	}
	status.Active = true
	status.Status = e.Step
	a.registry.Update(status)
}

func (a *Aggregator) runActions(actions []realtime.Action) {
	for _, act := range actions {
		a.mu.Lock()
		fn := a.actions[act.Type]
		a.mu.Unlock()
		if fn == nil {
			continue
		}
		a.trigger(fn, act)
	}
}

func (a *Aggregator) trigger(fn ActionFunc, act realtime.Action) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transcript: action trigger panic", "action", act.Type, "panic", r)
		}
	}()
	fn(act)
}

// AddMessage appends a locally produced message, such as an error notice.
// It does not close the open assistant message.
func (a *Aggregator) AddMessage(text string, author types.Author) {
	a.mu.Lock()
	a.messages = append(a.messages, types.Message{Text: text, Author: author})
	a.showEmpty = false
	snap := slices.Clone(a.messages)
	a.mu.Unlock()

	a.notify(snap)
}

// EndTurn closes the open assistant message, if any.
func (a *Aggregator) EndTurn() {
	a.mu.Lock()
	a.open = -1
	a.mu.Unlock()
}

// Messages returns a snapshot of the transcript.
func (a *Aggregator) Messages() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.messages)
}

// ShowEmptyState reports whether nothing has been said yet.
func (a *Aggregator) ShowEmptyState() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.showEmpty
}

// LastResponseID returns the id of the most recent response.created.
func (a *Aggregator) LastResponseID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResponseID
}

func (a *Aggregator) notify(snap []types.Message) {
	a.hookMu.RLock()
	fn := a.onChange
	a.hookMu.RUnlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("transcript: change hook panic", "panic", r)
		}
	}()
	fn(snap)
}
