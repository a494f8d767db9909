package bench

import "time"

// Status is a caller's progress state.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusCalling Status = "calling"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

// Event reports the progress of one caller coroutine.
type Event struct {
	Caller  int
	Done    int
	Total   int
	Failed  int
	Status  Status
	Elapsed time.Duration
}

// ProgressSink consumes progress events. It is called from the caller
// context's scheduler goroutine.
type ProgressSink interface {
	OnEvent(Event)
}

// ChannelSink forwards events into a channel.
type ChannelSink struct {
	Ch chan<- Event
}

// OnEvent implements ProgressSink.
func (s ChannelSink) OnEvent(ev Event) {
	if s.Ch == nil {
		return
	}
	s.Ch <- ev
}

// progressStep spaces events so a caller reports about fifty times.
func progressStep(total int) int {
	if step := total / 50; step > 0 {
		return step
	}
	return 1
}
