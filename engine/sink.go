package engine

import "github.com/cogcore/orchestrator/types"

// Sink is the streaming callback set a caller supplies to Execute. Every
// method may be invoked from the goroutine driving the plan; callers that
// need ordering guarantees beyond "one stage's chunks arrive in order" must
// synchronize on their own end.
type Sink interface {
	OnChunk(text string)
	OnStageComplete(stage types.Stage, summary string)
	OnDone(envelope types.Envelope)
}

// BufferingSink discards streamed chunks and stage summaries and keeps
// only the final Envelope, for non-streaming callers.
type BufferingSink struct {
	envelope types.Envelope
	done     chan struct{}
}

// NewBufferingSink creates a Sink whose Wait blocks until OnDone fires.
func NewBufferingSink() *BufferingSink {
	return &BufferingSink{done: make(chan struct{})}
}

func (s *BufferingSink) OnChunk(string)                             {}
func (s *BufferingSink) OnStageComplete(types.Stage, string)         {}
func (s *BufferingSink) OnDone(e types.Envelope) {
	s.envelope = e
	close(s.done)
}

// Wait blocks until OnDone has fired and returns the final Envelope.
func (s *BufferingSink) Wait() types.Envelope {
	<-s.done
	return s.envelope
}
