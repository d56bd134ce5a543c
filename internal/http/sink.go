package httpx

import (
	"github.com/dockyard-host/dockyard/internal/logstream"
	"github.com/dockyard-host/dockyard/internal/ws"
)

// subscriberSink adapts a ws/SSE subscriber onto the log transport's record
// sink.
type subscriberSink struct {
	sub ws.Subscriber
}

func (s subscriberSink) Send(record logstream.Record) error {
	payload, err := record.Marshal()
	if err != nil {
		return err
	}
	return s.sub.Send(payload)
}
