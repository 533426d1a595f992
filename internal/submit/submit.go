// Package submit builds ActionRecords for common backend calls and hands
// them to the drain engine.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cotrain/offlineq/internal/queue"
)

// Backend endpoints for the convenience submissions.
const (
	TransactionPath  = "/api/blockchain/transaction"
	ContributionPath = "/api/hivemind/contributions/submit"
	rewardClaimPath  = "/api/rewards/%s/claim"
)

// ErrNoBaseURL is returned when a relative endpoint is submitted and no
// backend base URL is configured.
var ErrNoBaseURL = errors.New("relative endpoint with no backend base URL")

// Enqueuer accepts fully formed records. drain.Engine implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, rec queue.ActionRecord, immediate bool) error
}

// Action is a submission before an ID, timestamp and retry state are
// assigned.
type Action struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Description string            `json:"description"`
	// MaxRetries overrides the configured default when set.
	MaxRetries *int `json:"maxRetries,omitempty"`
}

// APIOptions shape a QueueAPICall.
type APIOptions struct {
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Description string            `json:"description"`
	MaxRetries  *int              `json:"maxRetries,omitempty"`
}

// Options configures a Submitter.
type Options struct {
	// BaseURL resolves relative endpoints. May be empty.
	BaseURL string
	// MaxRetries is the default retry budget per action.
	MaxRetries int
}

type Submitter struct {
	q          Enqueuer
	base       *url.URL
	maxRetries int
	now        func() time.Time
}

func New(q Enqueuer, opts Options) (*Submitter, error) {
	s := &Submitter{q: q, maxRetries: opts.MaxRetries, now: time.Now}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	if opts.BaseURL != "" {
		u, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing backend base URL: %w", err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("backend base URL %q must be absolute", opts.BaseURL)
		}
		s.base = u
	}
	return s, nil
}

// AddToQueue assigns identity and retry state to a and queues it. With
// executeImmediately set and the device online, a drain pass starts right
// away; otherwise the action waits for the next trigger.
func (s *Submitter) AddToQueue(ctx context.Context, a Action, executeImmediately bool) (string, error) {
	target, err := s.resolve(a.URL)
	if err != nil {
		return "", err
	}
	method := strings.ToUpper(strings.TrimSpace(a.Method))
	if method == "" {
		method = http.MethodGet
	}
	maxRetries := s.maxRetries
	if a.MaxRetries != nil {
		if *a.MaxRetries < 0 {
			return "", fmt.Errorf("max retries must not be negative, got %d", *a.MaxRetries)
		}
		maxRetries = *a.MaxRetries
	}

	rec := queue.ActionRecord{
		ID:          queue.NewID(),
		URL:         target,
		Method:      method,
		Headers:     maps.Clone(a.Headers),
		Body:        a.Body,
		Description: a.Description,
		Timestamp:   s.now(),
		MaxRetries:  maxRetries,
	}
	if err := s.q.Enqueue(ctx, rec, executeImmediately); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// QueueAPICall queues a call to endpoint. Method defaults to GET and a JSON
// content type is set unless the caller provides one.
func (s *Submitter) QueueAPICall(ctx context.Context, endpoint string, opts APIOptions) (string, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	for k, v := range opts.Headers {
		if strings.EqualFold(k, "Content-Type") {
			delete(headers, "Content-Type")
		}
		headers[k] = v
	}
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	return s.AddToQueue(ctx, Action{
		URL:         endpoint,
		Method:      method,
		Headers:     headers,
		Body:        opts.Body,
		Description: opts.Description,
		MaxRetries:  opts.MaxRetries,
	}, true)
}

// QueueTransaction queues a blockchain transaction. data is sent as JSON.
func (s *Submitter) QueueTransaction(ctx context.Context, data any, description string) (string, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding transaction: %w", err)
	}
	return s.QueueAPICall(ctx, TransactionPath, APIOptions{
		Method:      http.MethodPost,
		Body:        string(body),
		Description: description,
	})
}

// QueueContribution queues a contribution for sessionID. Keys in data take
// precedence over the injected sessionId.
func (s *Submitter) QueueContribution(ctx context.Context, sessionID string, data map[string]any, description string) (string, error) {
	payload := map[string]any{"sessionId": sessionID}
	maps.Copy(payload, data)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding contribution: %w", err)
	}
	return s.QueueAPICall(ctx, ContributionPath, APIOptions{
		Method:      http.MethodPost,
		Body:        string(body),
		Description: description,
	})
}

// QueueRewardClaim queues a claim for rewardID.
func (s *Submitter) QueueRewardClaim(ctx context.Context, rewardID, description string) (string, error) {
	if rewardID == "" {
		return "", errors.New("reward id is required")
	}
	return s.QueueAPICall(ctx, fmt.Sprintf(rewardClaimPath, url.PathEscape(rewardID)), APIOptions{
		Method:      http.MethodPost,
		Description: description,
	})
}

func (s *Submitter) resolve(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", endpoint, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if s.base == nil {
		return "", fmt.Errorf("%w: %s", ErrNoBaseURL, endpoint)
	}
	return s.base.ResolveReference(u).String(), nil
}
