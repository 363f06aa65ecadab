package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultStorageBaseURL   = "https://firebasestorage.googleapis.com"
	defaultFirestoreBaseURL = "https://firestore.googleapis.com"
	defaultAuthBaseURL      = "https://identitytoolkit.googleapis.com"
	defaultTokenBaseURL     = "https://securetoken.googleapis.com"

	// refreshSkew renews the ID token this long before it expires
	refreshSkew = 60 * time.Second
)

// Dialer opens transport connections, usually through the network channel
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// FirebaseConfig contains configuration for the Firebase backend
type FirebaseConfig struct {
	APIKey    string
	ProjectID string
	// Database is the Firestore database id (default "(default)")
	Database string
	// Email and Password sign in through Identity Toolkit. Empty Email sends
	// unauthenticated requests.
	Email    string
	Password string
	Timeout  time.Duration
	Dialer   Dialer

	// Base URLs, overridable for emulators
	StorageBaseURL   string
	FirestoreBaseURL string
	AuthBaseURL      string
	TokenBaseURL     string
}

// FirebaseClient uploads to Firebase Storage and reads/writes flags in
// Firestore through their REST APIs
type FirebaseClient struct {
	cfg  FirebaseConfig
	http *http.Client

	tokenMu  sync.Mutex
	idToken  string
	refresh  string
	expireAt time.Time
}

// NewFirebaseClient creates a Firebase client
func NewFirebaseClient(cfg FirebaseConfig) (*FirebaseClient, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("delivery: firebase project_id is required")
	}
	if cfg.Email != "" && cfg.APIKey == "" {
		return nil, fmt.Errorf("delivery: firebase api_key is required for email sign-in")
	}
	if cfg.Database == "" {
		cfg.Database = "(default)"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.StorageBaseURL == "" {
		cfg.StorageBaseURL = defaultStorageBaseURL
	}
	if cfg.FirestoreBaseURL == "" {
		cfg.FirestoreBaseURL = defaultFirestoreBaseURL
	}
	if cfg.AuthBaseURL == "" {
		cfg.AuthBaseURL = defaultAuthBaseURL
	}
	if cfg.TokenBaseURL == "" {
		cfg.TokenBaseURL = defaultTokenBaseURL
	}

	return &FirebaseClient{
		cfg:  cfg,
		http: newHTTPClient(cfg.Timeout, cfg.Dialer),
	}, nil
}

func newHTTPClient(timeout time.Duration, dialer Dialer) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if dialer != nil {
		transport.DialContext = dialer.DialContext
		transport.Proxy = nil
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

// storageObject is the Firebase Storage object resource
type storageObject struct {
	Name           string `json:"name"`
	Bucket         string `json:"bucket"`
	Generation     string `json:"generation"`
	ContentType    string `json:"contentType"`
	Size           string `json:"size"`
	MD5Hash        string `json:"md5Hash"`
	Etag           string `json:"etag"`
	TimeCreated    string `json:"timeCreated"`
	DownloadTokens string `json:"downloadTokens"`
}

// PutObject implements Client
func (c *FirebaseClient) PutObject(ctx context.Context, bucket, path string, data []byte, contentType string) (ObjectMeta, error) {
	const op = "put_object"

	u := fmt.Sprintf("%s/v0/b/%s/o?uploadType=media&name=%s",
		c.cfg.StorageBaseURL, url.PathEscape(bucket), url.QueryEscape(path))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return ObjectMeta{}, &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	if err := c.authorize(ctx, req, "Firebase "); err != nil {
		return ObjectMeta{}, err
	}

	var obj storageObject
	if err := c.do(op, req, &obj); err != nil {
		return ObjectMeta{}, err
	}

	meta := ObjectMeta{
		Name:        obj.Name,
		Bucket:      obj.Bucket,
		ContentType: obj.ContentType,
		Generation:  obj.Generation,
		MD5Hash:     obj.MD5Hash,
		ETag:        obj.Etag,
		Digest:      Digest(data),
	}
	if meta.Name == "" {
		meta.Name = path
	}
	if meta.Bucket == "" {
		meta.Bucket = bucket
	}
	if size, err := strconv.ParseInt(obj.Size, 10, 64); err == nil {
		meta.Size = size
	} else {
		meta.Size = int64(len(data))
	}
	if t, err := time.Parse(time.RFC3339Nano, obj.TimeCreated); err == nil {
		meta.Created = t
	}
	if obj.DownloadTokens != "" {
		token := strings.Split(obj.DownloadTokens, ",")[0]
		meta.DownloadURL = fmt.Sprintf("%s/v0/b/%s/o/%s?alt=media&token=%s",
			c.cfg.StorageBaseURL, url.PathEscape(meta.Bucket), url.PathEscape(meta.Name), token)
	}
	return meta, nil
}

// firestoreDocument is the subset of a Firestore document the flags need
type firestoreDocument struct {
	Fields map[string]firestoreValue `json:"fields"`
}

type firestoreValue struct {
	BooleanValue *bool `json:"booleanValue,omitempty"`
}

func (c *FirebaseClient) documentURL(collection, document string) string {
	return fmt.Sprintf("%s/v1/projects/%s/databases/%s/documents/%s/%s",
		c.cfg.FirestoreBaseURL,
		url.PathEscape(c.cfg.ProjectID),
		url.PathEscape(c.cfg.Database),
		url.PathEscape(collection),
		url.PathEscape(document),
	)
}

// GetFlag implements Client. A missing document or field reads as false.
func (c *FirebaseClient) GetFlag(ctx context.Context, collection, document, field string) (bool, error) {
	const op = "get_flag"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.documentURL(collection, document), nil)
	if err != nil {
		return false, &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}
	if err := c.authorize(ctx, req, "Bearer "); err != nil {
		return false, err
	}

	var doc firestoreDocument
	if err := c.do(op, req, &doc); err != nil {
		var de *DeliveryError
		if errors.As(err, &de) && de.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}

	v, ok := doc.Fields[field]
	if !ok || v.BooleanValue == nil {
		return false, nil
	}
	return *v.BooleanValue, nil
}

// SetFlag implements Client. Only field is written.
func (c *FirebaseClient) SetFlag(ctx context.Context, collection, document, field string, value bool) error {
	const op = "set_flag"

	body, err := json.Marshal(firestoreDocument{
		Fields: map[string]firestoreValue{field: {BooleanValue: &value}},
	})
	if err != nil {
		return &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}

	u := c.documentURL(collection, document) + "?updateMask.fieldPaths=" + url.QueryEscape(field)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req, "Bearer "); err != nil {
		return err
	}

	return c.do(op, req, nil)
}

// do sends req and decodes a JSON response into out (if non-nil)
func (c *FirebaseClient) do(op string, req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportError(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized && req.Header.Get("Authorization") != "" {
			c.invalidateToken()
		}
		return statusError(op, resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &DeliveryError{Op: op, Kind: KindUnknown, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *FirebaseClient) authorize(ctx context.Context, req *http.Request, scheme string) error {
	if c.cfg.Email == "" {
		return nil
	}
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", scheme+token)
	return nil
}

// token returns a valid ID token, signing in or refreshing as needed
func (c *FirebaseClient) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.idToken != "" && time.Now().Before(c.expireAt.Add(-refreshSkew)) {
		return c.idToken, nil
	}

	if c.refresh != "" {
		err := c.refreshToken(ctx)
		if err == nil {
			return c.idToken, nil
		}
		slog.Warn("delivery: token refresh failed, signing in again", "error", err)
	}

	if err := c.signIn(ctx); err != nil {
		return "", err
	}
	return c.idToken, nil
}

func (c *FirebaseClient) invalidateToken() {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.idToken = ""
}

func (c *FirebaseClient) signIn(ctx context.Context) error {
	const op = "sign_in"

	body, _ := json.Marshal(map[string]any{
		"email":             c.cfg.Email,
		"password":          c.cfg.Password,
		"returnSecureToken": true,
	})
	u := fmt.Sprintf("%s/v1/accounts:signInWithPassword?key=%s", c.cfg.AuthBaseURL, url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		IDToken      string `json:"idToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    string `json:"expiresIn"`
	}
	if err := c.do(op, req, &out); err != nil {
		var de *DeliveryError
		if errors.As(err, &de) && de.Status == http.StatusBadRequest {
			// Identity Toolkit reports bad credentials as 400
			de.Kind = KindAuth
		}
		return err
	}

	c.setToken(out.IDToken, out.RefreshToken, out.ExpiresIn)
	slog.Info("delivery: signed in", "email", c.cfg.Email, "expires_at", c.expireAt)
	return nil
}

func (c *FirebaseClient) refreshToken(ctx context.Context) error {
	const op = "refresh_token"

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", c.refresh)

	u := fmt.Sprintf("%s/v1/token?key=%s", c.cfg.TokenBaseURL, url.QueryEscape(c.cfg.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return &DeliveryError{Op: op, Kind: KindUnknown, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    string `json:"expires_in"`
	}
	if err := c.do(op, req, &out); err != nil {
		return err
	}

	c.setToken(out.IDToken, out.RefreshToken, out.ExpiresIn)
	slog.Debug("delivery: token refreshed", "expires_at", c.expireAt)
	return nil
}

func (c *FirebaseClient) setToken(idToken, refresh, expiresIn string) {
	secs, err := strconv.Atoi(expiresIn)
	if err != nil || secs <= 0 {
		secs = 3600
	}
	c.idToken = idToken
	if refresh != "" {
		c.refresh = refresh
	}
	c.expireAt = time.Now().Add(time.Duration(secs) * time.Second)
}
