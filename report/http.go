package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNoEndpoint is returned by HTTPTransport.Send if Endpoint is empty.
var ErrNoEndpoint = errors.New("report: no endpoint")

// StatusError is returned by HTTPTransport.Send for a non-2xx response.
type StatusError struct {
	Status     string
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("report: unexpected response status: %s", e.Status)
}

// HTTPTransport posts each batch to Endpoint, as a JSON array.
type HTTPTransport struct {
	// Client defaults to http.DefaultClient.
	Client *http.Client
	// Endpoint is the collector URL.
	Endpoint string
	// UserAgent is sent, if non-empty.
	UserAgent string
}

var _ Transport = (*HTTPTransport)(nil)

// Send implements Transport.
func (x *HTTPTransport) Send(ctx context.Context, reports []*Report) error {
	if x.Endpoint == `` {
		return ErrNoEndpoint
	}

	body, err := json.Marshal(reports)
	if err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, x.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	req.Header.Set(`Content-Type`, `application/json`)
	if x.UserAgent != `` {
		req.Header.Set(`User-Agent`, x.UserAgent)
	}

	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &StatusError{Status: res.Status, StatusCode: res.StatusCode}
	}
	return nil
}
