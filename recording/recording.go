// Package recording models the normalized, redacted network log of one
// browser task. The browser agent hands the engine raw captured exchanges;
// construction redacts secrets irreversibly and bounds content samples, so
// no later stage ever sees a credential. A Recording is immutable once
// built.
package recording

import (
	"log/slog"
	"time"
)

// SchemaVersion tags persisted recordings. Resume on a different version
// fails explicitly instead of reinterpreting stale data.
const SchemaVersion = 1

// Initiator describes what triggered an exchange inside the page.
type Initiator string

const (
	InitiatorDocument Initiator = "document"
	InitiatorXHR      Initiator = "xhr"
	InitiatorFetch    Initiator = "fetch"
	InitiatorScript   Initiator = "script"
	// InitiatorOther covers anything the capture could not classify.
	InitiatorOther Initiator = "other"
)

// RawExchange is one captured network exchange as delivered by the browser
// agent, before redaction. It never leaves this package.
type RawExchange struct {
	URL            string
	Method         string
	Status         int
	ContentType    string
	RequestHeaders map[string]string
	QueryPairs     map[string]string
	BodySize       int64
	Body           []byte
	Initiator      Initiator
	StartOffset    time.Duration
	Duration       time.Duration
}

// Exchange is the redacted, bounded form stored in a Recording.
type Exchange struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Status         int               `json:"status"`
	ContentType    string            `json:"content_type"`
	RequestHeaders map[string]string `json:"request_headers,omitempty"`
	BodySize       int64             `json:"body_size"`
	// Sample is a bounded content excerpt. HTML bodies are sanitized and
	// converted to markdown before sampling; everything else is truncated
	// at a byte budget.
	Sample    string    `json:"sample,omitempty"`
	Initiator Initiator `json:"initiator"`
	// StartOffset is the time from task start to request start.
	StartOffset time.Duration `json:"start_offset"`
	Duration    time.Duration `json:"duration"`
}

// Recording is the ordered, redacted exchange log of one learning session.
type Recording struct {
	Schema    int        `json:"schema"`
	TaskID    string     `json:"task_id"`
	FinalURL  string     `json:"final_url,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	Exchanges []Exchange `json:"exchanges"`
}

// Config bounds recording construction.
type Config struct {
	// MaxExchanges caps how many exchanges are kept (earliest dropped).
	// Default: 512.
	MaxExchanges int
	// SampleBytes bounds each content sample. Default: 4096.
	SampleBytes int
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxExchanges <= 0 {
		c.MaxExchanges = 512
	}
	if c.SampleBytes <= 0 {
		c.SampleBytes = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New builds a Recording from raw captures. Secrets are redacted and
// samples bounded here, once, before the recording exists as an entity.
func New(taskID, finalURL string, startedAt time.Time, raw []RawExchange, cfg Config) *Recording {
	cfg.defaults()

	if len(raw) > cfg.MaxExchanges {
		dropped := len(raw) - cfg.MaxExchanges
		raw = raw[dropped:]
		cfg.Logger.Warn("recording: exchange cap exceeded",
			"task", taskID, "dropped", dropped)
	}

	sampler := newSampler(cfg.SampleBytes)
	rec := &Recording{
		Schema:    SchemaVersion,
		TaskID:    taskID,
		FinalURL:  finalURL,
		StartedAt: startedAt,
		Exchanges: make([]Exchange, 0, len(raw)),
	}
	for i, rx := range raw {
		rec.Exchanges = append(rec.Exchanges, Exchange{
			ID:             exchangeID(i),
			URL:            RedactURL(rx.URL),
			Method:         rx.Method,
			Status:         rx.Status,
			ContentType:    rx.ContentType,
			RequestHeaders: redactHeaders(rx.RequestHeaders),
			BodySize:       rx.BodySize,
			Sample:         sampler.sample(rx.ContentType, rx.Body),
			Initiator:      initiatorOrOther(rx.Initiator),
			StartOffset:    rx.StartOffset,
			Duration:       rx.Duration,
		})
	}
	return rec
}

// Exchange returns the exchange with the given id, or nil.
func (r *Recording) Exchange(id string) *Exchange {
	for i := range r.Exchanges {
		if r.Exchanges[i].ID == id {
			return &r.Exchanges[i]
		}
	}
	return nil
}

func initiatorOrOther(in Initiator) Initiator {
	switch in {
	case InitiatorDocument, InitiatorXHR, InitiatorFetch, InitiatorScript:
		return in
	default:
		return InitiatorOther
	}
}

func exchangeID(i int) string {
	const digits = "0123456789"
	// Fixed-width ids keep exchange references sortable in artifacts.
	return "ex_" + string([]byte{
		digits[i/1000%10], digits[i/100%10], digits[i/10%10], digits[i%10],
	})
}
