package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEvent is one row in the append-only audit log.
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	Kind      string                 `json:"kind"`
	Symbol    string                 `json:"symbol,omitempty"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Audit event kinds.
const (
	AuditTradeEntry   = "trade_entry"
	AuditTradeExit    = "trade_exit"
	AuditPolicyReject = "policy_reject"
	AuditBreakerTrip  = "breaker_trip"
	AuditKillSwitch   = "kill_switch"
	AuditConfigChange = "config_change"
	AuditAlert        = "alert"
	AuditError        = "error"
)

// AuditLog appends events to day-partitioned JSON-lines files. Record never
// blocks the trading cycle: events go to a buffered channel and a writer
// goroutine drains it; when the buffer is full the event is dropped with a
// log line.
type AuditLog struct {
	dir    string
	events chan AuditEvent
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewAuditLog creates the log directory and starts the writer goroutine.
func NewAuditLog(dir string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit dir: %w", err)
	}
	a := &AuditLog{
		dir:    dir,
		events: make(chan AuditEvent, 256),
		done:   make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writer()
	return a, nil
}

// Record enqueues one event. Safe to call from any goroutine; never blocks.
func (a *AuditLog) Record(kind, symbol string, detail map[string]interface{}) {
	event := AuditEvent{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Symbol:    symbol,
		Detail:    detail,
	}
	select {
	case a.events <- event:
	default:
		log.Printf("audit: buffer full, dropping %s event for %s", kind, symbol)
	}
}

// Close flushes pending events and stops the writer.
func (a *AuditLog) Close() {
	a.closeOnce.Do(func() {
		close(a.done)
		a.wg.Wait()
	})
}

func (a *AuditLog) writer() {
	defer a.wg.Done()
	for {
		select {
		case event := <-a.events:
			a.append(event)
		case <-a.done:
			// Drain whatever is still buffered.
			for {
				select {
				case event := <-a.events:
					a.append(event)
				default:
					return
				}
			}
		}
	}
}

func (a *AuditLog) append(event AuditEvent) {
	path := filepath.Join(a.dir, "audit-"+event.Timestamp.Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("audit: open %s: %v", path, err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("audit: close %s: %v", path, err)
		}
	}()

	line, err := json.Marshal(event)
	if err != nil {
		log.Printf("audit: marshal event: %v", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("audit: write %s: %v", path, err)
	}
}
