package audit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collectedRequest struct {
	header http.Header
	body   []byte
}

// collector is an httptest server that records requests and answers with
// status.
type collector struct {
	*httptest.Server
	mu       sync.Mutex
	status   int
	requests []collectedRequest
}

func newCollector(t *testing.T) *collector {
	t.Helper()
	c := &collector{status: http.StatusOK}
	c.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.requests = append(c.requests, collectedRequest{header: r.Header.Clone(), body: body})
		w.WriteHeader(c.status)
	}))
	t.Cleanup(c.Close)
	return c
}

func (c *collector) setStatus(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

func (c *collector) received() []collectedRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]collectedRequest(nil), c.requests...)
}

func generateTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestHTTPSinkSendsContainer(t *testing.T) {
	c := newCollector(t)
	signer := NewRSASigner(generateTestKey(t))
	sink, err := NewHTTPSink(c.URL,
		WithCredentials(Credentials{Username: "bridge-host", Password: "s3cret"}),
		WithGatewayID("agw-7"),
		WithSigner(signer),
	)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer sink.Close()

	payload := []byte{0x0c, 0x00, 0x00, 0x00, 0x08}
	err = sink.Send(context.Background(), &Message{
		Kind:        KindEvent,
		UID:         11,
		Payload:     payload,
		Format:      FormatFlatbuffers,
		SpanContext: testSpanContext(),
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	reqs := c.received()
	if len(reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if got := req.header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Expected application/json, got %q", got)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("bridge-host:s3cret"))
	if got := req.header.Get("Authorization"); got != wantAuth {
		t.Errorf("Expected %q, got %q", wantAuth, got)
	}
	if got := req.header.Get(HeaderGatewayID); got != "agw-7" {
		t.Errorf("Expected gateway id agw-7, got %q", got)
	}
	if got := req.header.Get("traceparent"); got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Errorf("Unexpected traceparent %q", got)
	}
	if err := signer.Verify(req.body, req.header.Get(HeaderSignature)); err != nil {
		t.Errorf("Signature does not verify: %v", err)
	}

	var container Container
	if err := json.Unmarshal(req.body, &container); err != nil {
		t.Fatalf("Failed to decode container: %v", err)
	}
	if container.Type != "Event" {
		t.Errorf("Expected container type Event, got %q", container.Type)
	}
	if container.Obj != base64.StdEncoding.EncodeToString(payload) {
		t.Errorf("Expected base64 payload, got %q", container.Obj)
	}
}

func TestHTTPSinkSendsJSONAsIs(t *testing.T) {
	c := newCollector(t)
	sink, err := NewHTTPSink(c.URL)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	body := []byte(`{"uid":3,"time":1}`)
	if err := sink.Send(context.Background(), &Message{Kind: KindAdminEvent, Payload: body, Format: FormatJSON}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	req := c.received()[0]
	if string(req.body) != string(body) {
		t.Errorf("Expected body %s, got %s", body, req.body)
	}
	for _, h := range []string{"Authorization", HeaderGatewayID, HeaderSignature, "traceparent"} {
		if req.header.Get(h) != "" {
			t.Errorf("Expected no %s header", h)
		}
	}
}

func TestHTTPSinkRejectsNon200(t *testing.T) {
	c := newCollector(t)
	c.setStatus(http.StatusAccepted)
	sink, err := NewHTTPSink(c.URL)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	err = sink.Send(context.Background(), &Message{Kind: KindEvent, Payload: []byte("{}"), Format: FormatJSON})
	var sinkErr *SinkError
	if !errors.As(err, &sinkErr) {
		t.Fatalf("Expected SinkError, got %v", err)
	}
	if sinkErr.StatusCode != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", sinkErr.StatusCode)
	}
}

func TestHTTPSinkUnreachable(t *testing.T) {
	c := newCollector(t)
	url := c.URL
	c.Close()
	sink, err := NewHTTPSink(url)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	err = sink.Send(context.Background(), &Message{Kind: KindEvent, Payload: []byte("{}"), Format: FormatJSON})
	var sinkErr *SinkError
	if !errors.As(err, &sinkErr) || sinkErr.StatusCode != 0 {
		t.Errorf("Expected a transport SinkError, got %v", err)
	}
}

func TestNewHTTPSinkValidatesTarget(t *testing.T) {
	for _, target := range []string{"", "collector:8080/events", "ftp://collector/events", "http://"} {
		if _, err := NewHTTPSink(target); err == nil {
			t.Errorf("%q: expected an error", target)
		}
	}
}

func TestHTTPSinkClientOptions(t *testing.T) {
	shared := &http.Client{Timeout: time.Second}
	sink, err := NewHTTPSink("http://collector/events", WithHTTPClient(shared), WithHTTPTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	if shared.Timeout != time.Second {
		t.Errorf("Expected the caller's client to keep 1s, got %v", shared.Timeout)
	}
	if sink.client == shared || sink.client.Timeout != 5*time.Second {
		t.Errorf("Expected a private client with 5s, got %v", sink.client.Timeout)
	}

	sink, err = NewHTTPSink("http://collector/events", WithHTTPTimeout(3*time.Second), WithHTTPClient(shared))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	if sink.client.Timeout != 3*time.Second || shared.Timeout != time.Second {
		t.Errorf("Expected the timeout to apply regardless of order, got %v (shared %v)", sink.client.Timeout, shared.Timeout)
	}

	sink, err = NewHTTPSink("http://collector/events", WithHTTPClient(nil), WithHTTPTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	if sink.client == nil || sink.client.Timeout != 2*time.Second {
		t.Errorf("Expected the default client with 2s, got %+v", sink.client)
	}
}

func TestEmitterRecoversWhenCollectorReturns(t *testing.T) {
	c := newCollector(t)
	c.setStatus(http.StatusServiceUnavailable)
	sink, err := NewHTTPSink(c.URL)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	e := newTestEmitter(t, sink, WithCapacity(3), WithFormat(FormatFlatbuffers))
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		e.OnEvent(ctx, numbered(i))
	}
	c.setStatus(http.StatusOK)
	e.OnEvent(ctx, numbered(5))

	var delivered []string
	for _, req := range c.received() {
		var container Container
		if err := json.Unmarshal(req.body, &container); err != nil {
			t.Fatalf("Failed to decode container: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(container.Obj)
		if err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		tab := rootTable(raw)
		details := tab.tuples(eventSlotDetails)
		if len(details) != 1 {
			t.Fatalf("Expected 1 detail, got %v", details)
		}
		delivered = append(delivered, details[0][1])
	}
	// Event 1 fails directly, then three times at the head until it is evicted.
	want := []string{"1", "1", "1", "1", "2", "3", "4", "5"}
	if len(delivered) != len(want) {
		t.Fatalf("Expected %d requests, got %d: %v", len(want), len(delivered), delivered)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("Expected requests %v, got %v", want, delivered)
			break
		}
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv(EnvCredentialsToken, "")
	if _, ok := CredentialsFromEnv(); ok {
		t.Error("Expected no credentials without a token")
	}
	t.Setenv(EnvCredentialsUser, "node-1")
	t.Setenv(EnvCredentialsToken, "tok")
	creds, ok := CredentialsFromEnv()
	if !ok || creds.Username != "node-1" || creds.Password != "tok" {
		t.Errorf("Unexpected credentials %+v (ok=%v)", creds, ok)
	}
}

func TestLoadRSASigner(t *testing.T) {
	key := generateTestKey(t)
	dir := t.TempDir()

	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal key: %v", err)
	}
	files := map[string]*pem.Block{
		"pkcs1.pem": {Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)},
		"pkcs8.pem": {Type: "PRIVATE KEY", Bytes: pkcs8},
	}
	for name, block := range files {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
		signer, err := LoadRSASigner(path)
		if err != nil {
			t.Fatalf("%s: failed to load signer: %v", name, err)
		}
		sig, err := signer.Sign([]byte("body"))
		if err != nil {
			t.Fatalf("%s: failed to sign: %v", name, err)
		}
		if err := NewRSASigner(key).Verify([]byte("body"), sig); err != nil {
			t.Errorf("%s: signature does not verify: %v", name, err)
		}
		if err := signer.Verify([]byte("other body"), sig); err == nil {
			t.Errorf("%s: expected verification of a different body to fail", name)
		}
	}

	garbage := filepath.Join(dir, "garbage.pem")
	os.WriteFile(garbage, []byte("not a key"), 0o600)
	if _, err := LoadRSASigner(garbage); err == nil {
		t.Error("Expected an error for a file without a PEM block")
	}
}
