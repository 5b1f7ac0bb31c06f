package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
)

// NATSMirror republishes every EventBus event onto a NATS subject for
// out-of-process observers (a dashboard on another host, a log shipper).
// It never participates in in-process delivery ordering or back-pressure —
// Mirror is fire-and-forget, matching the bus's own non-blocking Publish
// contract.
type NATSMirror struct {
	conn    *nats.Conn
	subject string
}

// NewNATSMirror connects to a NATS server and returns a MirrorSink that
// publishes every mirrored event as JSON under subject.
func NewNATSMirror(url, subject string) (*NATSMirror, error) {
	conn, err := nats.Connect(url, nats.Name("agentgraph-runtime"))
	if err != nil {
		return nil, err
	}
	return &NATSMirror{conn: conn, subject: subject}, nil
}

// Mirror implements MirrorSink. Marshal or publish errors are swallowed: a
// mirror outage must never affect in-process execution.
func (m *NATSMirror) Mirror(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = m.conn.Publish(m.subject, data)
}

// Close closes the underlying NATS connection without draining it.
func (m *NATSMirror) Close() {
	m.conn.Close()
}
