package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// DefaultFunkEndpoint is the SORACOM Funk entry point reachable from the
// cellular network
const DefaultFunkEndpoint = "http://funk.soracom.io"

// FunkClient posts raw image bytes to an HTTP entry point that forwards them
// to a cloud function. It has no document store; flag operations fail with
// ErrUnsupported.
type FunkClient struct {
	endpoint string
	http     *http.Client
}

// NewFunkClient creates a raw POST delivery client
func NewFunkClient(endpoint string, timeout time.Duration, dialer Dialer) *FunkClient {
	if endpoint == "" {
		endpoint = DefaultFunkEndpoint
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FunkClient{endpoint: endpoint, http: newHTTPClient(timeout, dialer)}
}

// PutObject implements Client. bucket and path are only echoed back in the
// metadata; the entry point decides where the bytes go.
func (c *FunkClient) PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (ObjectMeta, error) {
	const op = "put_object"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(data))
	if err != nil {
		return ObjectMeta{}, &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return ObjectMeta{}, transportError(op, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ObjectMeta{}, statusError(op, resp.StatusCode, body)
	}

	return ObjectMeta{
		Name:        path,
		Bucket:      bucket,
		ContentType: contentType,
		Size:        int64(len(data)),
		ETag:        resp.Header.Get("ETag"),
		Digest:      Digest(data),
		Created:     time.Now(),
	}, nil
}

// GetFlag implements Client
func (c *FunkClient) GetFlag(context.Context, string, string, string) (bool, error) {
	return false, &DeliveryError{Op: "get_flag", Kind: KindRejected, Err: ErrUnsupported}
}

// SetFlag implements Client
func (c *FunkClient) SetFlag(context.Context, string, string, string, bool) error {
	return &DeliveryError{Op: "set_flag", Kind: KindRejected, Err: ErrUnsupported}
}
