// Package dispatch hands job initiation to the user's workflow engine
// webhook and turns network failures into errors an operator can act on.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"points-service/internal/metrics"
)

const (
	DefaultTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	ErrNoWebhook           = errors.New("dispatch: no webhook configured")
	ErrInvalidWebhook      = errors.New("dispatch: invalid webhook url")
	ErrUpstreamTimeout     = errors.New("dispatch: upstream timeout")
	ErrUpstreamUnreachable = errors.New("dispatch: upstream unreachable")
	ErrUpstreamRejected    = errors.New("dispatch: upstream rejected request")
)

type Kind string

const (
	KindNoWebhook   Kind = "no_webhook"
	KindInvalidURL  Kind = "invalid_url"
	KindTimeout     Kind = "timeout"
	KindUnreachable Kind = "unreachable"
	KindRejected    Kind = "rejected"
)

// UpstreamError describes a failed hand-off. Hint is meant for the person
// running the deployment, not for end users.
type UpstreamError struct {
	Kind       Kind
	URL        string
	StatusCode int
	Message    string
	Hint       string
	Err        error
}

func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("dispatch %s: %s", e.Kind, e.URL)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	switch e.Kind {
	case KindNoWebhook:
		return target == ErrNoWebhook
	case KindInvalidURL:
		return target == ErrInvalidWebhook
	case KindTimeout:
		return target == ErrUpstreamTimeout
	case KindUnreachable:
		return target == ErrUpstreamUnreachable
	case KindRejected:
		return target == ErrUpstreamRejected
	}
	return false
}

// Request is the job initiation payload posted to the workflow engine.
type Request struct {
	JobID              string         `json:"job_id"`
	UserID             string         `json:"user_id"`
	Product            map[string]any `json:"product,omitempty"`
	PromptConfig       map[string]any `json:"prompt_config,omitempty"`
	PointsCost         int64          `json:"points_cost"`
	CallbackURL        string         `json:"callback_url"`
	FailureCallbackURL string         `json:"failure_callback_url"`
}

type Client struct {
	httpClient *http.Client
	timeout    time.Duration
	log        *logrus.Logger
	metrics    *metrics.Metrics
}

func New(timeout time.Duration, log *logrus.Logger, m *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		log:        log,
		metrics:    m,
	}
}

// Initiate posts req to webhookURL. It returns once the engine accepted the
// job; the outcome arrives later through the callback endpoints.
func (c *Client) Initiate(ctx context.Context, webhookURL string, req Request) error {
	webhookURL = strings.TrimSpace(webhookURL)
	err := c.initiate(ctx, webhookURL, req)

	log := c.log.WithFields(logrus.Fields{
		"job_id":  req.JobID,
		"user_id": req.UserID,
		"webhook": redact(webhookURL),
	})

	var upstream *UpstreamError
	switch {
	case err == nil:
		c.metrics.RecordDispatch("accepted")
		log.Info("job handed to workflow engine")
	case errors.As(err, &upstream):
		c.metrics.RecordDispatch(string(upstream.Kind))
		log.WithError(err).WithField("hint", upstream.Hint).Warn("job dispatch failed")
	default:
		c.metrics.RecordDispatch("error")
		log.WithError(err).Error("job dispatch failed")
	}
	return err
}

func (c *Client) initiate(ctx context.Context, webhookURL string, req Request) error {
	if webhookURL == "" {
		return &UpstreamError{
			Kind: KindNoWebhook,
			Hint: "set a workflow webhook URL in the user's preferences before generating",
			Err:  ErrNoWebhook,
		}
	}

	target, err := url.Parse(webhookURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return &UpstreamError{
			Kind: KindInvalidURL,
			URL:  redact(webhookURL),
			Hint: "the webhook URL must be an absolute http(s) URL such as http://n8n:5678/webhook/video",
			Err:  ErrInvalidWebhook,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return c.classify(target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{
		Kind:       KindRejected,
		URL:        redact(target.String()),
		StatusCode: resp.StatusCode,
		Message:    upstreamMessage(respBody),
		Hint:       rejectedHint(resp.StatusCode),
		Err:        ErrUpstreamRejected,
	}
}

func (c *Client) classify(target *url.URL, err error) error {
	upstream := &UpstreamError{URL: redact(target.String()), Err: err}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		upstream.Kind = KindTimeout
		upstream.Message = fmt.Sprintf("no response within %s", c.timeout)
	} else {
		upstream.Kind = KindUnreachable
	}
	upstream.Hint = Hint(target.Hostname(), upstream.Kind)
	return upstream
}

// upstreamMessage pulls a human readable message out of an error body.
// Workflow engines disagree on the field name.
func upstreamMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"message", "error.message", "error", "detail"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
				return v.String()
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func rejectedHint(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "the webhook path does not exist; make sure the workflow is active and the production (not test) webhook URL is configured"
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return "the workflow engine refused the request; check the webhook authentication settings"
	case status >= 500:
		return "the workflow engine failed while accepting the job; check its execution log"
	default:
		return "the workflow engine rejected the payload; check the webhook node configuration"
	}
}

// Hint returns operator guidance for a failed connection to host.
func Hint(host string, kind Kind) string {
	if IsLoopback(host) {
		return fmt.Sprintf("the webhook host %q is a loopback address; inside a container it refers to the container itself. "+
			"Use host.docker.internal to reach the host machine, or the compose service name (for example http://n8n:5678) "+
			"when both services share a docker network", host)
	}

	switch kind {
	case KindTimeout:
		return "the workflow engine accepted the connection but did not answer in time; check that the workflow responds immediately and runs the job asynchronously"
	case KindUnreachable:
		return fmt.Sprintf("could not connect to %q; check that the workflow engine is running and that the host name resolves from this service's network", host)
	}
	return ""
}

// IsLoopback reports whether host names this machine.
func IsLoopback(host string) bool {
	host = strings.Trim(strings.ToLower(host), "[]")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// redact drops credentials and query strings, which often carry webhook tokens.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
