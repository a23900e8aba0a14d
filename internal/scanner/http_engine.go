package scanner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
	"github.com/anstrom/scanqueue/internal/results"
)

// HTTPConfig configures an HTTPEngine. Either API keys or a username and
// password must be set.
type HTTPConfig struct {
	URL                string        `yaml:"url" json:"url"`
	Username           string        `yaml:"username" json:"-"`
	Password           string        `yaml:"password" json:"-"`
	AccessKey          string        `yaml:"access_key" json:"-"`
	SecretKey          string        `yaml:"secret_key" json:"-"`
	Timeout            time.Duration `yaml:"timeout" json:"timeout"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// HTTPEngine talks to a scanner backend over its REST API.
type HTTPEngine struct {
	baseURL    string
	cfg        HTTPConfig
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// NewHTTPEngine creates an engine client for one backend instance.
func NewHTTPEngine(cfg HTTPConfig, logger *slog.Logger) (*HTTPEngine, error) {
	if cfg.URL == "" {
		return nil, errors.ErrConfigMissing("scanner.url")
	}
	if cfg.AccessKey == "" && cfg.Username == "" {
		return nil, errors.ErrConfigMissing("scanner.access_key or scanner.username")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default().Logger
	}

	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 30 * time.Second,
	}
	if cfg.InsecureSkipVerify {
		// #nosec G402 - scanner appliances commonly ship self-signed certificates
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPEngine{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		userAgent:  "scanqueue/1.0",
		logger:     logger.With("component", "scanner_engine", "url", cfg.URL),
	}, nil
}

// Authenticate opens a session when the engine uses username and password,
// or verifies the API keys otherwise.
func (e *HTTPEngine) Authenticate(ctx context.Context) error {
	if e.cfg.AccessKey != "" {
		_, err := e.do(ctx, http.MethodGet, "/session", nil, false)
		return err
	}

	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"username": e.cfg.Username, "password": e.cfg.Password}
	data, err := e.send(ctx, http.MethodPost, "/session", body, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &out); err != nil || out.Token == "" {
		return errors.NewTaskError(errors.CodeAuthentication, "scanner returned no session token")
	}

	e.mu.Lock()
	e.token = out.Token
	e.mu.Unlock()
	return nil
}

// CreateScan registers a scan from the request.
func (e *HTTPEngine) CreateScan(ctx context.Context, req ScanRequest) (string, error) {
	settings := map[string]any{
		"name":         req.Name,
		"description":  req.Description,
		"text_targets": req.Targets,
	}
	if req.Escalation {
		settings["escalation"] = true
	}
	body := map[string]any{
		"uuid":     req.PolicyTemplate,
		"settings": settings,
	}
	if len(req.Credentials) > 0 {
		body["credentials"] = req.Credentials
	}

	data, err := e.do(ctx, http.MethodPost, "/scans", body, true)
	if err != nil {
		return "", err
	}
	var out struct {
		Scan struct {
			ID json.Number `json:"id"`
		} `json:"scan"`
	}
	if err := decode(data, &out); err != nil || out.Scan.ID == "" {
		return "", errors.NewTaskError(errors.CodeBackend, "scanner returned no scan id")
	}
	return out.Scan.ID.String(), nil
}

// LaunchScan starts a created scan.
func (e *HTTPEngine) LaunchScan(ctx context.Context, scanID string) (string, error) {
	data, err := e.do(ctx, http.MethodPost, "/scans/"+scanID+"/launch", nil, true)
	if err != nil {
		return "", err
	}
	var out struct {
		ScanUUID string `json:"scan_uuid"`
	}
	if err := decode(data, &out); err != nil {
		return "", errors.WrapTaskError(errors.CodeBackend, "invalid launch response", "", err)
	}
	return out.ScanUUID, nil
}

type scanDetails struct {
	Info struct {
		Status   string      `json:"status"`
		Progress json.Number `json:"progress"`
	} `json:"info"`
	Vulnerabilities []map[string]any `json:"vulnerabilities"`
}

func (e *HTTPEngine) details(ctx context.Context, scanID string) (*scanDetails, error) {
	data, err := e.do(ctx, http.MethodGet, "/scans/"+scanID, nil, true)
	if err != nil {
		return nil, err
	}
	var out scanDetails
	if err := decode(data, &out); err != nil {
		return nil, errors.WrapTaskError(errors.CodeBackend, "invalid scan details", "", err)
	}
	return &out, nil
}

// GetStatus returns the native status of a scan.
func (e *HTTPEngine) GetStatus(ctx context.Context, scanID string) (NativeStatus, error) {
	d, err := e.details(ctx, scanID)
	if err != nil {
		return NativeStatus{}, err
	}
	st := NativeStatus{Status: d.Info.Status}
	if d.Info.Progress != "" {
		if f, err := d.Info.Progress.Float64(); err == nil {
			st.Progress = int(f)
		}
	}
	return st, nil
}

func (e *HTTPEngine) PauseScan(ctx context.Context, scanID string) error {
	_, err := e.do(ctx, http.MethodPost, "/scans/"+scanID+"/pause", nil, true)
	return err
}

func (e *HTTPEngine) ResumeScan(ctx context.Context, scanID string) error {
	_, err := e.do(ctx, http.MethodPost, "/scans/"+scanID+"/resume", nil, true)
	return err
}

func (e *HTTPEngine) StopScan(ctx context.Context, scanID string) error {
	_, err := e.do(ctx, http.MethodPost, "/scans/"+scanID+"/stop", nil, true)
	return err
}

func (e *HTTPEngine) DeleteScan(ctx context.Context, scanID string) error {
	_, err := e.do(ctx, http.MethodDelete, "/scans/"+scanID, nil, true)
	return err
}

// FetchResults returns the findings of a scan as flat records.
func (e *HTTPEngine) FetchResults(ctx context.Context, scanID string) ([]results.Record, error) {
	d, err := e.details(ctx, scanID)
	if err != nil {
		return nil, err
	}
	out := make([]results.Record, 0, len(d.Vulnerabilities))
	for _, v := range d.Vulnerabilities {
		out = append(out, normalizeFinding(v))
	}
	return out, nil
}

// findingAliases maps backend field names onto record field names.
var findingAliases = map[string]string{
	"hostname":      "host",
	"host_ip":       "host",
	"pluginid":      "plugin_id",
	"plugin_name":   "plugin_name",
	"pluginname":    "plugin_name",
	"pluginfamily":  "plugin_family",
	"plugin_family": "plugin_family",
	"cvss_base":     "cvss_score",
	"cvss3_base":    "cvss3_score",
}

func normalizeFinding(v map[string]any) results.Record {
	rec := make(results.Record, len(v))
	for k, val := range v {
		key := strings.ToLower(k)
		if alias, ok := findingAliases[key]; ok {
			key = alias
		}
		if _, taken := rec[key]; taken && key != strings.ToLower(k) {
			continue
		}
		rec[key] = val
	}
	return rec
}

// do sends an authenticated request and retries once after re-authenticating
// when the session has expired.
func (e *HTTPEngine) do(ctx context.Context, method, path string, payload any, retry bool) ([]byte, error) {
	if e.cfg.AccessKey == "" && e.sessionToken() == "" {
		if err := e.Authenticate(ctx); err != nil {
			return nil, err
		}
	}

	data, err := e.send(ctx, method, path, payload, e.sessionToken())
	if retry && e.cfg.AccessKey == "" && errors.IsCode(err, errors.CodeAuthentication) {
		e.logger.Debug("Scanner session expired, re-authenticating")
		if aerr := e.Authenticate(ctx); aerr != nil {
			return nil, aerr
		}
		return e.send(ctx, method, path, payload, e.sessionToken())
	}
	return data, err
}

func (e *HTTPEngine) sessionToken() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.token
}

func (e *HTTPEngine) send(ctx context.Context, method, path string, payload any, token string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	switch {
	case e.cfg.AccessKey != "":
		req.Header.Set("X-ApiKeys", fmt.Sprintf("accessKey=%s; secretKey=%s", e.cfg.AccessKey, e.cfg.SecretKey))
	case token != "":
		req.Header.Set("X-Cookie", "token="+token)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.WrapTaskError(errors.CodeCanceled, "scanner request canceled", "", err)
		}
		return nil, errors.WrapTaskError(errors.CodeBackend, method+" "+path+" failed", "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapTaskError(errors.CodeBackend, "failed to read scanner response", "", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewTaskError(errors.CodeAuthentication, "scanner rejected credentials").
			WithContext("status", resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.NewTaskError(errors.CodeNotFound, "scanner resource not found: "+path)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, errors.NewTaskError(errors.CodeBackend,
			"scanner returned HTTP "+strconv.Itoa(resp.StatusCode)+": "+errorMessage(data)).
			WithContext("status", resp.StatusCode)
	}
	return data, nil
}

func errorMessage(data []byte) string {
	var out struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &out) == nil && out.Error != "" {
		return out.Error
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
