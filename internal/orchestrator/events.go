package orchestrator

import "fmt"

// Event is a tagged union of the three notifications the worker emits
// (§9 Design Notes): exactly one field is non-nil. Consumers observe
// events in source order on a single buffered channel.
type Event struct {
	Progress *ProgressEvent
	Status   *StatusEvent
	Done     *DoneEvent
}

// ProgressEvent reports the running total of bytes processed so far
// against totalBytes for the run.
type ProgressEvent struct {
	Bytes      int
	TotalBytes int
}

// StatusEvent is a human-readable status line; Detail marks it as
// low-priority/verbose (logged at Debug rather than Info by
// cmd/esp8266flash's renderEvents).
type StatusEvent struct {
	Text   string
	Detail bool
}

// DoneEvent marks the end of the run.
type DoneEvent struct {
	Text string
	OK   bool
}

func (f *Flasher) emitProgress(bytes int) {
	f.send(Event{Progress: &ProgressEvent{Bytes: bytes, TotalBytes: f.totalBytes}})
}

func (f *Flasher) emitStatus(detail bool, format string, args ...interface{}) {
	f.send(Event{Status: &StatusEvent{Text: fmt.Sprintf(format, args...), Detail: detail}})
}

func (f *Flasher) emitDone(ok bool, format string, args ...interface{}) {
	f.send(Event{Done: &DoneEvent{Text: fmt.Sprintf(format, args...), OK: ok}})
}

func (f *Flasher) send(e Event) {
	if f.events == nil {
		return
	}
	f.events <- e
}
