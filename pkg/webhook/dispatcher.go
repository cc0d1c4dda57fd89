// Package webhook delivers signed, best-effort notifications to agent
// endpoints: the defence invite when a case names a defendant, and
// closure/seal notices to party notify URLs. Deliveries never block a
// state transition; terminal outcomes flow back through each delivery's
// Done callback so the records that track them can catch up.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/opencawt/opencawt/pkg/crypto"
	"github.com/opencawt/opencawt/pkg/ids"
)

// Headers stamped on every delivery. The signature is the hex
// HMAC-SHA256 of the raw body under the deployment webhook key,
// prefixed with the algorithm.
const (
	HeaderEvent     = "X-OpenCawt-Event"
	HeaderEventID   = "X-OpenCawt-Event-Id"
	HeaderAttempt   = "X-OpenCawt-Attempt"
	HeaderSignature = "X-OpenCawt-Signature"

	signaturePrefix = "sha256="
)

// EventType names what happened.
type EventType string

const (
	EventDefenceInvite   EventType = "case.defence_invite"
	EventCaseClosed      EventType = "case.closed"
	EventCaseSealed      EventType = "case.sealed"
	EventCaseVoid        EventType = "case.void"
	EventAgreementSealed EventType = "agreement.sealed"
)

// Event is the JSON body a receiver gets.
type Event struct {
	EventID   string                 `json:"eventId"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	CaseID    string                 `json:"caseId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event stamped with a fresh id.
func NewEvent(typ EventType, caseID string, data map[string]interface{}, now time.Time) *Event {
	return &Event{
		EventID:   ids.New(ids.PrefixEvent),
		Type:      typ,
		Timestamp: now.UTC(),
		CaseID:    caseID,
		Data:      data,
	}
}

// Delivery is one event bound for one URL.
type Delivery struct {
	URL   string
	Event *Event

	// Done, when set, observes the terminal outcome. It runs on a
	// worker goroutine after the last attempt.
	Done func(Result)
}

// Result is the terminal outcome of a delivery.
type Result struct {
	Delivered bool
	Attempts  int
	Status    int    // last HTTP status, 0 when transport failed
	LastError string // empty on success
}

// Config tunes the dispatcher. Zero values fall back to defaults
// suitable for production.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
}

// Dispatcher runs a bounded worker pool over a buffered queue. Each
// delivery retries transport failures and 5xx/429 answers on a capped
// exponential backoff; any other rejection is final on the first
// answer.
type Dispatcher struct {
	cfg    Config
	secret []byte
	client *http.Client
	queue  chan *Delivery
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewDispatcher starts the worker pool. secret signs every outbound
// body; receivers verify with the same deployment key.
func NewDispatcher(secret []byte, logger *slog.Logger, cfg Config) *Dispatcher {
	cfg.withDefaults()
	d := &Dispatcher{
		cfg:    cfg,
		secret: secret,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan *Delivery, cfg.QueueSize),
		logger: logger.With("component", "webhook"),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue hands a delivery to the pool. It never blocks: a full queue
// reports false and the caller records the drop.
func (d *Dispatcher) Enqueue(del *Delivery) bool {
	select {
	case d.queue <- del:
		return true
	default:
		d.logger.Warn("webhook queue full, dropping delivery",
			"url", del.URL, "type", string(del.Event.Type))
		return false
	}
}

// QueueDepth reports how many deliveries are waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

// Shutdown stops accepting work and waits for in-flight deliveries to
// finish their retry budgets.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for del := range d.queue {
		res := d.deliver(context.Background(), del)
		if res.Delivered {
			d.logger.Debug("webhook delivered",
				"url", del.URL, "type", string(del.Event.Type), "attempts", res.Attempts)
		} else {
			d.logger.Warn("webhook delivery failed",
				"url", del.URL, "type", string(del.Event.Type),
				"attempts", res.Attempts, "error", res.LastError)
		}
		if del.Done != nil {
			del.Done(res)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, del *Delivery) Result {
	payload, err := json.Marshal(del.Event)
	if err != nil {
		return Result{LastError: "marshal event: " + err.Error()}
	}
	signature := signaturePrefix + crypto.HMACSHA256Hex(d.secret, payload)

	attempts := 0
	lastStatus := 0
	op := func() (int, error) {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(payload))
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, string(del.Event.Type))
		req.Header.Set(HeaderEventID, del.Event.EventID)
		req.Header.Set(HeaderAttempt, strconv.Itoa(attempts))
		req.Header.Set(HeaderSignature, signature)

		resp, err := d.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		lastStatus = resp.StatusCode
		switch {
		case resp.StatusCode < http.StatusMultipleChoices:
			return resp.StatusCode, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
			return resp.StatusCode, fmt.Errorf("webhook: %s returned status %d", del.URL, resp.StatusCode)
		default:
			// The receiver rejected the payload; more attempts cannot help.
			return resp.StatusCode, backoff.Permanent(fmt.Errorf("webhook: %s returned status %d", del.URL, resp.StatusCode))
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.cfg.BaseDelay
	eb.MaxInterval = d.cfg.MaxDelay

	status, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(d.cfg.MaxAttempts)))
	if err != nil {
		return Result{Attempts: attempts, Status: lastStatus, LastError: err.Error()}
	}
	return Result{Delivered: true, Attempts: attempts, Status: status}
}
