// Package observability implements structured connection and
// transaction logging (§4.C8): every connection event (established,
// closed, failed, rejected) and every transaction (started, completed,
// failed, timeout) is recorded with peer_id, protocol, direction,
// duration, result size, and error. Logging is buffered off the hot
// path — a call to Connection or Transaction never blocks on the
// actual log write, only on a channel send with a non-blocking
// fallback, the same "advisory, drop rather than stall" posture the
// DHT substrate's own event channel uses.
package observability

import (
	"time"

	"github.com/danieljamesbertrand/swarm-in-progress-sub002/pkg/log"
)

// DefaultBufferSize bounds how many pending events Logger holds before
// it starts dropping the newest ones rather than applying backpressure
// to callers.
const DefaultBufferSize = 1024

// ConnectionEvent describes one connection-lifecycle transition.
type ConnectionEvent struct {
	PeerID    string
	Protocol  string
	Direction string // "inbound" | "outbound"
	Result    string // "established" | "closed" | "failed" | "rejected"
	Error     string
}

// TransactionEvent describes one command exchange's lifecycle.
type TransactionEvent struct {
	PeerID     string
	Protocol   string
	Command    string
	Direction  string // "inbound" | "outbound"
	Result     string // "started" | "completed" | "failed" | "timeout"
	Duration   time.Duration
	ResultSize int
	Error      string
}

// Logger buffers connection and transaction events and drains them on
// its own goroutine, so a busy command stream never waits on a log
// write to proceed.
type Logger struct {
	conns chan ConnectionEvent
	txs   chan TransactionEvent
	done  chan struct{}

	metrics *metrics
}

// NewLogger starts a Logger with the given buffer depth per event kind.
func NewLogger(bufferSize int) *Logger {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	l := &Logger{
		conns:   make(chan ConnectionEvent, bufferSize),
		txs:     make(chan TransactionEvent, bufferSize),
		done:    make(chan struct{}),
		metrics: newMetrics(),
	}
	go l.run()
	return l
}

// Connection records a connection event. Never blocks: a full buffer
// drops the event (with a locally logged warning) rather than stall
// whatever triggered it.
func (l *Logger) Connection(e ConnectionEvent) {
	select {
	case l.conns <- e:
	default:
		log.Warn("observability: connection event buffer full, dropping", log.Fields{"peer_id": e.PeerID, "result": e.Result})
	}
}

// Transaction records a transaction event. Never blocks, for the same
// reason as Connection.
func (l *Logger) Transaction(e TransactionEvent) {
	select {
	case l.txs <- e:
	default:
		log.Warn("observability: transaction event buffer full, dropping", log.Fields{"command": e.Command, "result": e.Result})
	}
}

func (l *Logger) run() {
	for {
		select {
		case e, ok := <-l.conns:
			if !ok {
				return
			}
			l.metrics.observeConnection(e)
			logConnection(e)
		case e, ok := <-l.txs:
			if !ok {
				return
			}
			l.metrics.observeTransaction(e)
			logTransaction(e)
		case <-l.done:
			return
		}
	}
}

// Close stops the drain goroutine. Buffered events not yet drained are
// discarded.
func (l *Logger) Close() {
	close(l.done)
}

func logConnection(e ConnectionEvent) {
	fields := log.Fields{"peer_id": e.PeerID, "protocol": e.Protocol, "direction": e.Direction, "result": e.Result}
	if e.Error != "" {
		fields["error"] = e.Error
	}
	log.Info("observability: connection event", fields)
}

func logTransaction(e TransactionEvent) {
	fields := log.Fields{
		"peer_id":     e.PeerID,
		"protocol":    e.Protocol,
		"command":     e.Command,
		"direction":   e.Direction,
		"result":      e.Result,
		"duration_ms": e.Duration.Milliseconds(),
		"result_size": e.ResultSize,
	}
	if e.Error != "" {
		fields["error"] = e.Error
	}
	log.Info("observability: transaction event", fields)
}
