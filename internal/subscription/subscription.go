// Package subscription registers the sink's NGSI-LD subscription with the
// context broker so that entity changes are pushed to the notify endpoint.
package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
)

const (
	subscriptionsPath = "/ngsi-ld/v1/subscriptions"
	contentTypeLD     = "application/ld+json"
)

var (
	// ErrRejected means the broker refused the request; it is not retried.
	ErrRejected = errors.New("broker rejected request")
	// ErrUnavailable means the broker could not be reached or failed; it is retried.
	ErrUnavailable = errors.New("broker unavailable")
)

// Subscription is the NGSI-LD subscription document.
type Subscription struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Entities          []EntitySelect `json:"entities"`
	WatchedAttributes []string       `json:"watchedAttributes,omitempty"`
	Notification      Notification   `json:"notification"`
	Context           string         `json:"@context"`
}

// EntitySelect matches entities by type.
type EntitySelect struct {
	Type string `json:"type"`
}

// Notification describes how the broker delivers changes.
type Notification struct {
	Attributes []string `json:"attributes,omitempty"`
	Format     string   `json:"format"`
	Endpoint   Endpoint `json:"endpoint"`
}

// Endpoint is where notifications are POSTed.
type Endpoint struct {
	URI    string `json:"uri"`
	Accept string `json:"accept"`
}

// Build assembles the subscription document for conf.
func Build(conf config.BrokerConf) Subscription {
	id := conf.SubscriptionID
	if id == "" {
		id = "urn:ngsi-ld:Subscription:" + uuid.New().String()
	}
	entities := make([]EntitySelect, 0, len(conf.EntityTypes))
	for _, t := range conf.EntityTypes {
		entities = append(entities, EntitySelect{Type: t})
	}
	return Subscription{
		ID:                id,
		Type:              "Subscription",
		Entities:          entities,
		WatchedAttributes: conf.WatchedAttributes,
		Notification: Notification{
			Attributes: conf.WatchedAttributes,
			Format:     "normalized",
			Endpoint:   Endpoint{URI: conf.CallbackURL, Accept: contentTypeLD},
		},
		Context: conf.Context,
	}
}

// Registrar replaces the sink's subscription on the broker.
type Registrar struct {
	conf   config.BrokerConf
	client *http.Client
	delay  time.Duration
	logger *slog.Logger
}

// Option customises a Registrar.
type Option func(*Registrar)

// WithHTTPClient sets the client used to talk to the broker.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registrar) { r.client = c }
}

// WithDelay sets the base delay between attempts.
func WithDelay(d time.Duration) Option {
	return func(r *Registrar) { r.delay = d }
}

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registrar) { r.logger = l }
}

// NewRegistrar creates a Registrar for conf.
func NewRegistrar(conf config.BrokerConf, opts ...Option) *Registrar {
	r := &Registrar{
		conf:   conf,
		client: &http.Client{Timeout: 5 * time.Second},
		delay:  500 * time.Millisecond,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.conf.Attempts == 0 {
		r.conf.Attempts = 1
	}
	return r
}

// Register deletes any subscription with the configured id and creates it
// again. Transient failures are retried with backoff; a rejection is not.
func (r *Registrar) Register(ctx context.Context) (Subscription, error) {
	sub := Build(r.conf)
	body, err := json.Marshal(sub)
	if err != nil {
		return sub, fmt.Errorf("encode subscription: %w", err)
	}

	err = retry.Do(
		func() error {
			if err := r.delete(ctx, sub.ID); err != nil {
				return err
			}
			return r.create(ctx, body)
		},
		retry.Context(ctx),
		retry.Attempts(r.conf.Attempts),
		retry.Delay(r.delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrRejected) }),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("subscription registration failed, retrying", "attempt", n+1, "err", err)
		}),
	)
	if err != nil {
		return sub, fmt.Errorf("register subscription %s: %w", sub.ID, err)
	}
	r.logger.Info("subscription registered", "id", sub.ID, "broker", r.conf.URL,
		"entity_types", r.conf.EntityTypes, "callback", r.conf.CallbackURL)
	return sub, nil
}

// delete removes the subscription; a missing one is not an error.
func (r *Registrar) delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.endpoint()+"/"+id, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: delete: %w", ErrUnavailable, err)
	}
	defer drain(resp)
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return statusError("delete", resp)
}

func (r *Registrar) create(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	req.Header.Set("Content-Type", contentTypeLD)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: create: %w", ErrUnavailable, err)
	}
	defer drain(resp)
	return statusError("create", resp)
}

func (r *Registrar) endpoint() string {
	return strings.TrimRight(r.conf.URL, "/") + subscriptionsPath
}

// statusError maps a broker response to nil, ErrRejected or ErrUnavailable.
// A 409 is retried: the delete may not be visible yet.
func statusError(op string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusConflict, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, brokerMessage(resp))
	default:
		return fmt.Errorf("%w: %s: %s", ErrRejected, op, brokerMessage(resp))
	}
}

func brokerMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return resp.Status
	}
	return resp.Status + " " + msg
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
