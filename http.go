package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Headers sent to the HTTP collector.
const (
	HeaderGatewayID = "AGW-ID"
	HeaderSignature = "PKCS7-Signature"
)

// HTTPSink posts each event to a collector URL. It is ready immediately.
type HTTPSink struct {
	target      string
	client      *http.Client
	timeout     time.Duration
	credentials *Credentials
	gatewayID   string
	signer      Signer
}

// HTTPOption configures HTTPSink.
type HTTPOption func(*HTTPSink)

// WithHTTPClient replaces the default client. A nil client keeps the
// default.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSink) { s.client = c }
}

// WithHTTPTimeout bounds each request, connection included. Default 10s.
// It applies to a copy of the client, so a client passed to WithHTTPClient
// is never modified.
func WithHTTPTimeout(d time.Duration) HTTPOption {
	return func(s *HTTPSink) { s.timeout = d }
}

// WithCredentials sends Basic auth on every request.
func WithCredentials(c Credentials) HTTPOption {
	return func(s *HTTPSink) { s.credentials = &c }
}

// WithGatewayID sets the AGW-ID header.
func WithGatewayID(id string) HTTPOption {
	return func(s *HTTPSink) { s.gatewayID = id }
}

// WithSigner signs every body into the PKCS7-Signature header.
func WithSigner(signer Signer) HTTPOption {
	return func(s *HTTPSink) { s.signer = signer }
}

// NewHTTPSink creates a sink posting to target, which must be an absolute
// http or https URL. Options are applied in order, except that the timeout
// is set last on a private copy of the client, whichever client was chosen.
//
// Parameters:
//   - target: Collector URL every event is posted to.
//   - opts: Variadic HTTPOption functions (client, timeout, credentials, gateway id, signer).
//
// Returns:
//   - *HTTPSink: A sink that is ready immediately.
//   - error: An error if target is not an absolute http(s) URL.
func NewHTTPSink(target string, opts ...HTTPOption) (*HTTPSink, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("invalid target uri: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("audit: target uri %q is not an absolute http(s) url", target)
	}
	s := &HTTPSink{target: target}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 10 * time.Second}
	}
	if s.timeout > 0 {
		c := *s.client
		c.Timeout = s.timeout
		s.client = &c
	}
	return s, nil
}

// Send posts msg. JSON payloads are sent as is, FlatBuffers payloads are
// wrapped in a Container. Anything but 200 is a failure.
func (s *HTTPSink) Send(ctx context.Context, msg *Message) error {
	body := msg.Payload
	if msg.Format == FormatFlatbuffers {
		var err error
		body, err = json.Marshal(newContainer(msg.Kind, msg.Payload))
		if err != nil {
			return &SinkError{Sink: "http", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.target, bytes.NewReader(body))
	if err != nil {
		return &SinkError{Sink: "http", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if s.credentials != nil {
		req.Header.Set("Authorization", s.credentials.basicAuth())
	}
	if s.gatewayID != "" {
		req.Header.Set(HeaderGatewayID, s.gatewayID)
	}
	if s.signer != nil {
		sig, err := s.signer.Sign(body)
		if err != nil {
			return &SinkError{Sink: "http", Err: err}
		}
		req.Header.Set(HeaderSignature, sig)
	}
	if msg.SpanContext.IsValid() {
		req.Header.Set(traceparentHeader, traceparent(msg.SpanContext))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &SinkError{Sink: "http", Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &SinkError{Sink: "http", StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %q", resp.Status)}
	}
	return nil
}

// Close releases idle connections.
func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
