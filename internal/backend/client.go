package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

const tracerName = "faultmaven/backend"

// Answer is the assistant's reply to a submitted query.
type Answer struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// jobStatus is the polling view of an asynchronous query job.
type jobStatus struct {
	Status string  `json:"status"`
	Result *Answer `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Client talks to the case/messaging backend over authenticated HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	backoff Backoff
	log     *logging.Logger
	metrics *monitoring.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Options struct {
	BaseURL string
	Tokens  TokenProvider
	Backoff Backoff
	// HTTPClient overrides the default client; tests inject httptest here.
	HTTPClient *http.Client
}

func NewClient(opts Options, log *logging.Logger, metrics *monitoring.Metrics) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL cannot be empty")
	}
	if opts.Tokens == nil {
		return nil, fmt.Errorf("token provider cannot be nil")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backoff := opts.Backoff
	if backoff.Initial == 0 {
		backoff = DefaultBackoff()
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    httpClient,
		tokens:  opts.Tokens,
		backoff: backoff,
		log:     log,
		metrics: metrics,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}, nil
}

// CreateCase creates a case and returns its authoritative summary.
func (c *Client) CreateCase(ctx context.Context, title string) (types.CaseSummary, error) {
	var out types.CaseSummary
	err := c.do(ctx, http.MethodPost, "/api/v1/cases",
		map[string]string{"title": title}, &out)
	return out, err
}

// SubmitQuery submits user text to a case. The backend either answers
// immediately or returns a job handle which is polled with backoff until it
// settles.
func (c *Client) SubmitQuery(ctx context.Context, caseID, text string) (Answer, error) {
	var out struct {
		Answer
		JobID string `json:"job_id,omitempty"`
	}
	path := fmt.Sprintf("/api/v1/cases/%s/queries", caseID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"text": text}, &out); err != nil {
		return Answer{}, err
	}
	if out.JobID == "" {
		return out.Answer, nil
	}
	return c.pollJob(ctx, out.JobID)
}

// maxJobPolls caps how often a query job is polled before giving up. The
// final transient error keeps the operation retryable upstream.
const maxJobPolls = 8

func (c *Client) pollJob(ctx context.Context, jobID string) (Answer, error) {
	path := "/api/v1/jobs/" + jobID
	for attempt := 0; attempt < maxJobPolls; attempt++ {
		var status jobStatus
		if err := c.do(ctx, http.MethodGet, path, nil, &status); err != nil {
			return Answer{}, err
		}
		switch status.Status {
		case "completed":
			if status.Result == nil {
				return Answer{}, &Error{Class: ClassTransient, Message: "job completed without result"}
			}
			return *status.Result, nil
		case "failed":
			return Answer{}, &Error{Class: ClassValidation, Message: status.Error}
		}
		select {
		case <-ctx.Done():
			return Answer{}, ctx.Err()
		case <-time.After(c.backoff.Delay(attempt)):
		}
	}
	return Answer{}, &Error{Class: ClassTransient,
		Message: fmt.Sprintf("job %s still running after %d polls", jobID, maxJobPolls)}
}

// UpdateCaseTitle renames a case.
func (c *Client) UpdateCaseTitle(ctx context.Context, caseID, title string) error {
	path := "/api/v1/cases/" + caseID
	return c.do(ctx, http.MethodPut, path, map[string]string{"title": title}, nil)
}

// ListCases returns every case belonging to the authenticated user.
func (c *Client) ListCases(ctx context.Context) ([]types.CaseSummary, error) {
	var out struct {
		Cases []types.CaseSummary `json:"cases"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/cases", nil, &out)
	return out.Cases, err
}

// CaseMessages fetches a case's history, including the total/retrieved
// counts the recovery integrity check depends on.
func (c *Client) CaseMessages(ctx context.Context, caseID string) (types.CaseMessages, error) {
	out := types.CaseMessages{CaseID: caseID}
	path := fmt.Sprintf("/api/v1/cases/%s/messages", caseID)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// CreateSession establishes a backend session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions", nil, &out)
	return out.SessionID, err
}

// Heartbeat keeps the backend session alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/heartbeat", nil, nil)
}

// do performs one authenticated JSON request and decodes the response.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, method+" "+path,
		trace.WithAttributes(attribute.String("http.method", method)))
	defer span.End()

	err := c.doOnce(ctx, method, path, body, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if c.metrics != nil {
			c.metrics.BackendErrors.Inc()
		}
		if c.log != nil {
			c.log.Debug("backend request failed",
				zap.String("method", method), zap.String("path", path), zap.Error(err))
		}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &Error{Class: ClassAuth, Message: err.Error()}
	}
	if tokenExpired(token, c.now()) {
		return &Error{Class: ClassAuth, Message: "token expired"}
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Class: ClassTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorMessage(resp.Body)
		return &Error{Class: classify(resp.StatusCode), Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Class: ClassTransient, Message: "decode response: " + err.Error()}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &parsed) == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	return strings.TrimSpace(string(data))
}
