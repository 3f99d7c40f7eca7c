// Package worker calls remote matting workers to hand them a task.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Sentinel errors for worker call failures.
var (
	// ErrWorkerUnreachable covers transport failures: refused connections,
	// DNS errors and timeouts. The worker should be taken out of rotation.
	ErrWorkerUnreachable = errors.New("worker unreachable")
	// ErrWorkerRejected means the worker answered but did not accept the task.
	ErrWorkerRejected = errors.New("worker rejected task")
)

// StatusAccepted is the only response status that counts as acceptance.
const StatusAccepted = "accepted"

const tracerName = "github.com/kiranshivaraju/mattehub/internal/worker"

// maxResponseBytes bounds how much of a worker reply is read.
const maxResponseBytes = 1 << 20

// Client hands tasks to workers.
type Client interface {
	// Assign offers a task to the worker at address. It returns the decoded
	// response on acceptance, the response wrapped with ErrWorkerRejected on
	// any other answer, and ErrWorkerUnreachable when no answer arrived.
	Assign(ctx context.Context, address string, req AssignRequest) (*AssignResponse, error)
}

// AssignRequest is the job payload sent to a worker.
type AssignRequest struct {
	TaskID         string  `json:"taskId"`
	AttemptID      string  `json:"attemptId"`
	VideoPath      string  `json:"videoPath"`
	ForegroundPath *string `json:"foregroundPath,omitempty"`
	BackgroundPath *string `json:"backgroundPath,omitempty"`
	ModelName      string  `json:"modelName"`
	ModelAlias     *string `json:"modelAlias,omitempty"`
	CallbackURL    string  `json:"callbackUrl"`
	WorkerURL      string  `json:"workerUrl"`
}

// AssignResponse is a worker's answer to an AssignRequest.
type AssignResponse struct {
	Status             string  `json:"status"`
	Message            string  `json:"message"`
	MaskVideoPath      *string `json:"maskVideoPath,omitempty"`
	CompositeVideoPath *string `json:"compositeVideoPath,omitempty"`
}

func (r *AssignResponse) Accepted() bool {
	return strings.EqualFold(r.Status, StatusAccepted)
}

// RejectedError carries the worker's answer behind an ErrWorkerRejected.
type RejectedError struct {
	StatusCode int
	Response   *AssignResponse
}

func (e *RejectedError) Error() string {
	msg := ""
	if e.Response != nil {
		msg = e.Response.Message
		if msg == "" {
			msg = e.Response.Status
		}
	}
	return fmt.Sprintf("%s: status %d: %s", ErrWorkerRejected, e.StatusCode, msg)
}

func (e *RejectedError) Unwrap() error { return ErrWorkerRejected }

// HTTPClient implements Client over HTTP. Every call is bounded by the
// client timeout; completion is reported later through the callback.
type HTTPClient struct {
	segmentPath string
	apiKey      string
	client      *http.Client
	tracer      trace.Tracer
}

type Option func(*HTTPClient)

// WithAPIKey sends key as a bearer token on every call.
func WithAPIKey(key string) Option {
	return func(c *HTTPClient) { c.apiKey = key }
}

// WithTracer overrides the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *HTTPClient) { c.tracer = t }
}

// NewHTTPClient creates a worker client posting to segmentPath on each worker.
func NewHTTPClient(segmentPath string, timeout time.Duration, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		segmentPath: segmentPath,
		client:      &http.Client{Timeout: timeout},
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) Assign(ctx context.Context, address string, req AssignRequest) (*AssignResponse, error) {
	ctx, span := c.tracer.Start(ctx, "worker.assign",
		trace.WithAttributes(
			attribute.String("mattehub.worker.address", address),
			attribute.String("mattehub.task.id", req.TaskID),
			attribute.String("mattehub.model", req.ModelName),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	resp, err := c.assign(ctx, address, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return resp, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}

func (c *HTTPClient) assign(ctx context.Context, address string, req AssignRequest) (*AssignResponse, error) {
	if req.WorkerURL == "" {
		req.WorkerURL = address
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding assign request: %w", err)
	}

	u := strings.TrimRight(address, "/") + c.segmentPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrWorkerUnreachable, err)
	}
	c.setHeaders(ctx, httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	var out AssignResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyError(err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		out = AssignResponse{Message: strings.TrimSpace(string(raw))}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !out.Accepted() {
		return &out, &RejectedError{StatusCode: resp.StatusCode, Response: &out}
	}
	return &out, nil
}

func (c *HTTPClient) setHeaders(ctx context.Context, req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// classifyError maps transport-level errors to ErrWorkerUnreachable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timeout: %v", ErrWorkerUnreachable, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrWorkerUnreachable, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: dns: %v", ErrWorkerUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrWorkerUnreachable, err)
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
