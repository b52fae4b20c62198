package controller

import "github.com/mantonx/reframe/internal/modules/transcodingmodule/types"

// Listener receives the events of one job.
//
// Callbacks run on the job's worker goroutine, never concurrently with each
// other for the same job. OnProgress calls arrive in engine order, and exactly
// one of OnCompleted, OnCanceled or OnFailed is the last call made.
type Listener interface {
	// OnProgress receives a value in [0, 1], or a negative value while
	// progress is indeterminate (probing, or duration unknown).
	OnProgress(progress float64)
	OnCompleted()
	OnCanceled()
	OnFailed(err error)
}

// ListenerFuncs adapts functions to a Listener. Nil fields are ignored.
type ListenerFuncs struct {
	Progress  func(progress float64)
	Completed func()
	Canceled  func()
	Failed    func(err error)
}

func (l ListenerFuncs) OnProgress(progress float64) {
	if l.Progress != nil {
		l.Progress(progress)
	}
}

func (l ListenerFuncs) OnCompleted() {
	if l.Completed != nil {
		l.Completed()
	}
}

func (l ListenerFuncs) OnCanceled() {
	if l.Canceled != nil {
		l.Canceled()
	}
}

func (l ListenerFuncs) OnFailed(err error) {
	if l.Failed != nil {
		l.Failed(err)
	}
}

// MultiListener fans events out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) OnProgress(progress float64) {
	for _, l := range m {
		l.OnProgress(progress)
	}
}

func (m MultiListener) OnCompleted() {
	for _, l := range m {
		l.OnCompleted()
	}
}

func (m MultiListener) OnCanceled() {
	for _, l := range m {
		l.OnCanceled()
	}
}

func (m MultiListener) OnFailed(err error) {
	for _, l := range m {
		l.OnFailed(err)
	}
}

// EventType identifies a job event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventCanceled  EventType = "canceled"
	EventFailed    EventType = "failed"
)

// Event is one listener callback as a value.
type Event struct {
	Type     EventType
	Progress float64
	Err      error
}

// Terminal reports whether the event ends the job.
func (e Event) Terminal() bool {
	return e.Type != EventProgress
}

// State returns the job state the event corresponds to.
func (e Event) State() types.JobState {
	switch e.Type {
	case EventCompleted:
		return types.JobStateCompleted
	case EventCanceled:
		return types.JobStateCanceled
	case EventFailed:
		return types.JobStateFailed
	default:
		return types.JobStateRunning
	}
}

// ChannelListener delivers events on a channel, in order. The channel is
// closed after the terminal event. One slot is always kept for the terminal
// event, so a slow consumer never stalls the job: progress events that find
// the buffer full are dropped.
type ChannelListener struct {
	events chan Event
}

// NewChannelListener creates a listener buffering up to buffer progress
// events.
func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelListener{events: make(chan Event, buffer+1)}
}

// Events returns the event stream.
func (c *ChannelListener) Events() <-chan Event {
	return c.events
}

// OnProgress is only called from the job's worker, so the length check
// cannot race with another send.
func (c *ChannelListener) OnProgress(progress float64) {
	if len(c.events) >= cap(c.events)-1 {
		return
	}
	c.events <- Event{Type: EventProgress, Progress: progress}
}

func (c *ChannelListener) OnCompleted() {
	c.terminal(Event{Type: EventCompleted, Progress: 1})
}

func (c *ChannelListener) OnCanceled() {
	c.terminal(Event{Type: EventCanceled})
}

func (c *ChannelListener) OnFailed(err error) {
	c.terminal(Event{Type: EventFailed, Err: err})
}

func (c *ChannelListener) terminal(e Event) {
	c.events <- e
	close(c.events)
}
