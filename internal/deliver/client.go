// Package deliver is the HTTP side of the sync engine: it signs an
// outbound payload with the shared secret and posts it to the remote
// ingest endpoint, classifying every way the exchange can fail.
package deliver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"okrsync/internal/domain"
)

const (
	// APIVersion is the ingest path segment and X-Version header value.
	APIVersion = "v1"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4096
)

// Target identifies the remote endpoint and the key material for one call.
// The key prefix is a public identifier of which secret was used; the
// secret itself only ever appears inside the signature.
type Target struct {
	EndpointURL   string
	KeyPrefix     string
	SigningSecret string
}

// Result is a classified 2xx ingest response.
type Result struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"externalId"`
	RemoteID   string `json:"remoteId,omitempty"`
	Action     string `json:"action,omitempty" enum:"create,update"`
}

// BatchItemResult is one per-entity outcome inside a batch response.
type BatchItemResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"externalId"`
	RemoteID   string `json:"remoteId,omitempty"`
	Action     string `json:"action,omitempty"`
	Error      string `json:"error,omitempty"`
}

// BatchResult is the envelope of a batch ingest call. Success is the
// envelope verdict; callers must inspect Results for per-item outcomes.
type BatchResult struct {
	Success bool              `json:"success"`
	Results []BatchItemResult `json:"results"`
	Errors  []string          `json:"errors"`
}

// DeliveryError covers non-2xx responses, transport failures, and
// unparsable response bodies.
type DeliveryError struct {
	StatusCode int
	Detail     string
}

func (e DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery failed: status %d: %s", e.StatusCode, e.Detail)
	}
	return "delivery failed: " + e.Detail
}

// PartialBatchError reports a batch envelope marked failed while some
// sub-items may still have succeeded.
type PartialBatchError struct {
	Errors []string
}

func (e PartialBatchError) Error() string {
	return "batch delivery reported failure: " + strings.Join(e.Errors, "; ")
}

type Client struct {
	HTTP *http.Client
}

// httpClient never writes c.HTTP: a zero-value Client must stay safe to
// share between the drain loop and HTTP handlers.
func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: defaultTimeout}
}

// Sign returns the hex HMAC-SHA256 of body under the signing secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts one entity payload to {endpoint}/ingest/v1/{kind}.
func (c *Client) Deliver(ctx context.Context, t Target, kind domain.Kind, body []byte) (Result, error) {
	data, err := c.post(ctx, t, "/ingest/"+APIVersion+"/"+string(kind), body)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, DeliveryError{Detail: "unparsable response: " + err.Error()}
	}
	if !res.Success {
		return res, DeliveryError{Detail: "remote rejected " + string(kind) + " payload"}
	}
	return res, nil
}

// DeliverBatch posts a multi-entity payload to {endpoint}/ingest/v1/batch.
// A failed envelope returns the parsed result alongside PartialBatchError
// so callers can still walk the per-item outcomes.
func (c *Client) DeliverBatch(ctx context.Context, t Target, body []byte) (BatchResult, error) {
	data, err := c.post(ctx, t, "/ingest/"+APIVersion+"/batch", body)
	if err != nil {
		return BatchResult{}, err
	}
	var res BatchResult
	if err := json.Unmarshal(data, &res); err != nil {
		return BatchResult{}, DeliveryError{Detail: "unparsable batch response: " + err.Error()}
	}
	if !res.Success {
		return res, PartialBatchError{Errors: res.Errors}
	}
	return res, nil
}

func (c *Client) post(ctx context.Context, t Target, path string, body []byte) ([]byte, error) {
	url := strings.TrimRight(t.EndpointURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, DeliveryError{Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Version", APIVersion)
	req.Header.Set("X-Key-Prefix", t.KeyPrefix)
	req.Header.Set("X-Signature", Sign(t.SigningSecret, body))

	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, DeliveryError{Detail: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, DeliveryError{StatusCode: res.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}
	return io.ReadAll(res.Body)
}
