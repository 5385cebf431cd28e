// Package siem implements the SIEM Shipper (spec §4.15): a fire-and-forget,
// bounded-queue event log that formats SecurityEvents in JSON, CEF, LEEF, or
// RFC-5424 Syslog and ships them in batches paced by a token bucket.
// Grounded on the teacher's bounded-channel fan-out idiom (mirrored from
// this module's own audit/deliberation queues) and golang.org/x/time/rate
// for outbound pacing, per SPEC_FULL.md's domain-stack wiring table.
package siem

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/dislovelhl/acgs2/pkg/model"
)

// Format selects the wire encoding for shipped events.
type Format string

const (
	FormatJSON   Format = "JSON"
	FormatCEF    Format = "CEF"
	FormatLEEF   Format = "LEEF"
	FormatSyslog Format = "SYSLOG"
)

const (
	vendor   = "ACGS-2"
	product  = "EnhancedAgentBus"
	facility = 3 // daemon, per spec §6.5
)

// Shipper is the outbound transport a Logger drains batches to.
type Shipper interface {
	Ship(ctx context.Context, payloads [][]byte) error
}

// Config parameterizes a Logger.
type Config struct {
	QueueCapacity   int
	DropOnOverflow  bool
	Format          Format
	BatchSize       int
	FlushInterval   time.Duration
	Vendor, Product, Version, Hostname string
}

// DefaultConfig matches spec.md §6.6's defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  10_000,
		DropOnOverflow: true,
		Format:         FormatJSON,
		BatchSize:      100,
		FlushInterval:  time.Second,
		Vendor:         vendor,
		Product:        product,
		Version:        "1.0.0",
		Hostname:       "agentbus",
	}
}

// Metrics are the counters spec §4.15 requires be exposed.
type Metrics struct {
	EventsLogged        atomic.Int64
	EventsDropped        atomic.Int64
	EventsShipped        atomic.Int64
	AlertsTriggered      atomic.Int64
	CorrelationsDetected atomic.Int64
	ShipFailures         atomic.Int64
}

// QueueSize is read separately from the other counters since it reflects
// instantaneous occupancy rather than a monotonic count.
func (m *Metrics) Snapshot(queueSize int) map[string]int64 {
	return map[string]int64{
		"events_logged":        m.EventsLogged.Load(),
		"events_dropped":       m.EventsDropped.Load(),
		"events_shipped":       m.EventsShipped.Load(),
		"alerts_triggered":     m.AlertsTriggered.Load(),
		"correlations_detected": m.CorrelationsDetected.Load(),
		"ship_failures":        m.ShipFailures.Load(),
		"queue_size":           int64(queueSize),
	}
}

// Logger is the SIEM Shipper: Log() is O(1). With DropOnOverflow set it
// never blocks the caller (the channel send is non-blocking via select-
// default when the queue is full); without it, Log blocks while the queue
// is full.
type Logger struct {
	cfg     Config
	shipper Shipper
	queue   chan model.SecurityEvent
	limiter *rate.Limiter
	metrics Metrics

	stop chan struct{}
	wg   sync.WaitGroup
}

// New constructs a Logger and starts its background shipping worker.
func New(cfg Config, shipper Shipper) *Logger {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10_000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	l := &Logger{
		cfg:     cfg,
		shipper: shipper,
		queue:   make(chan model.SecurityEvent, cfg.QueueCapacity),
		limiter: rate.NewLimiter(rate.Limit(cfg.BatchSize), cfg.BatchSize),
		stop:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Log enqueues evt for shipment. Counter increments either way per I6:
// events_logged on success, events_dropped when the queue is saturated and
// drop_on_overflow is configured (otherwise Log blocks, applying
// backpressure to the caller).
func (l *Logger) Log(evt model.SecurityEvent) {
	if l.cfg.DropOnOverflow {
		select {
		case l.queue <- evt:
			l.metrics.EventsLogged.Add(1)
		default:
			l.metrics.EventsDropped.Add(1)
		}
		return
	}
	l.queue <- evt
	l.metrics.EventsLogged.Add(1)
}

// Metrics returns the live metrics snapshot, including current queue depth.
func (l *Logger) Metrics() map[string]int64 {
	return l.metrics.Snapshot(len(l.queue))
}

// Stop drains remaining queued events (best-effort, bounded by ctx) and
// halts the background worker.
func (l *Logger) Stop(ctx context.Context) {
	close(l.stop)
	done := make(chan struct{})
	go func() { l.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (l *Logger) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.SecurityEvent, 0, l.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.ship(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-l.queue:
			batch = append(batch, evt)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.stop:
			for {
				select {
				case evt := <-l.queue:
					batch = append(batch, evt)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) ship(batch []model.SecurityEvent) {
	if l.shipper == nil {
		return
	}
	_ = l.limiter.WaitN(context.Background(), len(batch))

	payloads := make([][]byte, 0, len(batch))
	for _, evt := range batch {
		payloads = append(payloads, Encode(l.cfg.Format, evt, l.cfg))
	}

	if err := l.shipper.Ship(context.Background(), payloads); err != nil {
		l.metrics.ShipFailures.Add(1)
		return
	}
	l.metrics.EventsShipped.Add(int64(len(batch)))
}

// Encode renders evt in the configured Format.
func Encode(format Format, evt model.SecurityEvent, cfg Config) []byte {
	switch format {
	case FormatCEF:
		return encodeCEF(evt, cfg)
	case FormatLEEF:
		return encodeLEEF(evt, cfg)
	case FormatSyslog:
		return encodeSyslog(evt, cfg)
	default:
		return encodeJSON(evt, cfg)
	}
}

type jsonEnvelope struct {
	model.SecurityEvent
	SIEM siemMeta `json:"_siem"`
}

type siemMeta struct {
	Vendor   string `json:"vendor"`
	Product  string `json:"product"`
	Version  string `json:"version"`
	Hostname string `json:"hostname"`
}

func encodeJSON(evt model.SecurityEvent, cfg Config) []byte {
	env := jsonEnvelope{
		SecurityEvent: evt,
		SIEM: siemMeta{
			Vendor: cfg.Vendor, Product: cfg.Product, Version: cfg.Version, Hostname: cfg.Hostname,
		},
	}
	b, err := json.Marshal(env)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// severityNumeric maps the model's 5-tier severity to CEF/LEEF's 0-10
// numeric scale.
func severityNumeric(s model.Severity) int {
	switch s {
	case model.SeverityDebug:
		return 1
	case model.SeverityInfo:
		return 3
	case model.SeverityWarning:
		return 5
	case model.SeverityError:
		return 7
	case model.SeverityCritical:
		return 10
	default:
		return 0
	}
}

// encodeCEF renders: CEF:0|ACGS-2|EnhancedAgentBus|<version>|<event_type>|
// Security Event: <event_type>|<severity 0-10>| key=value ...
func encodeCEF(evt model.SecurityEvent, cfg Config) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CEF:0|%s|%s|%s|%s|Security Event: %s|%d|",
		cfg.Vendor, cfg.Product, cfg.Version, evt.EventType, evt.EventType, severityNumeric(evt.Severity))
	fmt.Fprintf(&buf, "msg=%s src=%s rt=%d cat=%s cs1=%s cs1Label=TenantID cs2=%s cs2Label=AgentID cs4=%s cs4Label=ConstitutionalHash",
		cefEscape(evt.Message), cefEscape(evt.Source), evt.Timestamp.UnixMilli(), cefEscape(evt.EventType),
		cefEscape(evt.TenantID), cefEscape(evt.AgentID), cefEscape(evt.Fingerprint))
	return buf.Bytes()
}

func cefEscape(s string) string {
	r := bytes.NewBufferString("")
	for _, c := range s {
		switch c {
		case '\\', '=':
			r.WriteByte('\\')
		}
		r.WriteRune(c)
	}
	return r.String()
}

// encodeLEEF renders: LEEF:2.0|ACGS-2|EnhancedAgentBus|<version>|<event_type>|
// then TAB-separated devTime, cat, sev, msg, src, tenantId, agentId, constitutionalHash.
func encodeLEEF(evt model.SecurityEvent, cfg Config) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "LEEF:2.0|%s|%s|%s|%s|", cfg.Vendor, cfg.Product, cfg.Version, evt.EventType)
	fields := []string{
		"devTime=" + evt.Timestamp.Format(time.RFC3339),
		"cat=" + evt.EventType,
		fmt.Sprintf("sev=%d", severityNumeric(evt.Severity)),
		"msg=" + evt.Message,
		"src=" + evt.Source,
		"tenantId=" + evt.TenantID,
		"agentId=" + evt.AgentID,
		"constitutionalHash=" + evt.Fingerprint,
	}
	buf.WriteString(fields[0])
	for _, f := range fields[1:] {
		buf.WriteByte('\t')
		buf.WriteString(f)
	}
	return buf.Bytes()
}

// encodeSyslog renders an RFC-5424 message with PRI = facility*8 + severity
// and a structured-data element "acgs2@12345" carrying severity,
// constitutionalHash, and tenantId.
func encodeSyslog(evt model.SecurityEvent, cfg Config) []byte {
	pri := facility*8 + syslogSeverity(evt.Severity)
	sd := fmt.Sprintf(`[acgs2@12345 severity="%s" constitutionalHash="%s" tenantId="%s"]`,
		evt.Severity, evt.Fingerprint, evt.TenantID)
	return []byte(fmt.Sprintf("<%d>1 %s %s %s - %s %s %s",
		pri, evt.Timestamp.Format(time.RFC3339), cfg.Hostname, cfg.Product, evt.ID, sd, evt.Message))
}

// syslogSeverity maps the model's 5-tier severity onto RFC-5424's 0-7 scale.
func syslogSeverity(s model.Severity) int {
	switch s {
	case model.SeverityDebug:
		return 7
	case model.SeverityInfo:
		return 6
	case model.SeverityWarning:
		return 4
	case model.SeverityError:
		return 3
	case model.SeverityCritical:
		return 2
	default:
		return 6
	}
}
