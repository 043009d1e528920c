package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxResponseBytes      = 64 << 20
)

var (
	errMissingEndpoint = errors.New("remote endpoint is required")
	errMissingDatabase = errors.New("remote database is required")
	// ErrForbidden marks a document the remote refused to store.
	ErrForbidden = errors.New("remote: forbidden")
)

// StatusError is a non-2xx response from the remote.
type StatusError struct {
	Status int
	Code   string
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("remote: %d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Reason)
}

func (e *StatusError) Unwrap() error {
	return store.ErrorForStatus(e.Status)
}

// StatusOf extracts the HTTP status of a remote failure, or 0.
func StatusOf(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return 0
}

// TokenSource supplies bearer tokens for requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Target     Target
	HTTPClient *http.Client
	Logger     *zap.Logger
	// Tokens switches authentication from basic credentials to bearer tokens.
	Tokens TokenSource
	// ExplicitNullRef writes a JSON null for documents without ref.
	ExplicitNullRef bool
}

// Client speaks the document server HTTP API.
type Client struct {
	target          Target
	base            *url.URL
	http            *http.Client
	logger          *zap.Logger
	tokens          TokenSource
	explicitNullRef bool
}

// NewClient validates cfg.
func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.Target.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	if strings.TrimSpace(cfg.Target.Database) == "" {
		return nil, errMissingDatabase
	}
	base, err := url.Parse(strings.TrimRight(cfg.Target.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: endpoint: %v", documents.ErrValidation, err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		target:          cfg.Target,
		base:            base,
		http:            httpClient,
		logger:          logger,
		tokens:          cfg.Tokens,
		explicitNullRef: cfg.ExplicitNullRef,
	}, nil
}

// Target returns the remote this client talks to.
func (c *Client) Target() Target {
	return c.target
}

// DatabaseInfo summarizes a remote database.
type DatabaseInfo struct {
	Name      string `json:"db_name"`
	DocCount  int64  `json:"doc_count"`
	UpdateSeq int64  `json:"update_seq"`
}

// ChangeRow is one entry of a changes page.
type ChangeRow struct {
	Seq     int64              `json:"seq"`
	ID      string             `json:"id"`
	Rev     string             `json:"rev"`
	Deleted bool               `json:"deleted,omitempty"`
	Doc     documents.Document `json:"doc"`
}

// ChangesPage is a page of the remote change feed.
type ChangesPage struct {
	Results []ChangeRow `json:"results"`
	LastSeq int64       `json:"last_seq"`
}

// BulkResult is one row of a bulk write response.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TokenResponse is returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Info fetches database metadata.
func (c *Client) Info(ctx context.Context) (DatabaseInfo, error) {
	var info DatabaseInfo
	err := c.do(ctx, http.MethodGet, c.dbPath(), nil, nil, &info)
	return info, err
}

// Changes fetches the change feed after since; wait > 0 long-polls.
func (c *Client) Changes(ctx context.Context, since int64, limit int, wait time.Duration) (ChangesPage, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if wait > 0 {
		query.Set("feed", "longpoll")
		query.Set("timeout", strconv.FormatInt(wait.Milliseconds(), 10))
	}
	var page ChangesPage
	err := c.do(ctx, http.MethodGet, c.dbPath("_changes"), query, nil, &page)
	return page, err
}

// BulkDocs writes docs; with newEdits false the remote keeps their revisions.
func (c *Client) BulkDocs(ctx context.Context, docs []documents.Document, newEdits bool) ([]documents.Result, error) {
	encoded := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		raw, err := c.encodeDocument(doc)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, raw)
	}
	body := map[string]any{"docs": encoded, "new_edits": newEdits}
	var rows []BulkResult
	if err := c.do(ctx, http.MethodPost, c.dbPath("_bulk_docs"), nil, body, &rows); err != nil {
		return nil, err
	}
	results := make([]documents.Result, 0, len(rows))
	for _, row := range rows {
		result := documents.Result{ID: row.ID, Rev: row.Rev, OK: row.Error == ""}
		if row.Error != "" {
			result.Err = bulkRowError(row)
		}
		results = append(results, result)
	}
	return results, nil
}

// Find runs a selector query on the remote.
func (c *Client) Find(ctx context.Context, query documents.Query) ([]documents.Document, error) {
	if c.explicitNullRef && query.Selector.Ref.Match == documents.RefAbsent {
		return c.findWithNullRef(ctx, query)
	}
	var response struct {
		Docs []documents.Document `json:"docs"`
	}
	err := c.do(ctx, http.MethodPost, c.dbPath("_find"), nil, query, &response)
	return response.Docs, err
}

func (c *Client) findWithNullRef(ctx context.Context, query documents.Query) ([]documents.Document, error) {
	encoded, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(encoded, &body); err != nil {
		return nil, err
	}
	var selector map[string]json.RawMessage
	if err := json.Unmarshal(body["selector"], &selector); err != nil {
		return nil, err
	}
	selector["ref"] = json.RawMessage("null")
	if body["selector"], err = json.Marshal(selector); err != nil {
		return nil, err
	}
	var response struct {
		Docs []documents.Document `json:"docs"`
	}
	err = c.do(ctx, http.MethodPost, c.dbPath("_find"), nil, body, &response)
	return response.Docs, err
}

// AllDocs lists every live document.
func (c *Client) AllDocs(ctx context.Context) ([]documents.Document, error) {
	var response struct {
		Rows []struct {
			ID  string             `json:"id"`
			Doc documents.Document `json:"doc"`
		} `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, c.dbPath("_all_docs"), nil, nil, &response); err != nil {
		return nil, err
	}
	docs := make([]documents.Document, 0, len(response.Rows))
	for _, row := range response.Rows {
		docs = append(docs, row.Doc)
	}
	return docs, nil
}

// Get fetches one live document.
func (c *Client) Get(ctx context.Context, id string) (documents.Document, error) {
	var doc documents.Document
	err := c.do(ctx, http.MethodGet, c.dbPath("docs", id), nil, nil, &doc)
	return doc, err
}

// Put writes doc as a new edit and returns it with the new revision.
func (c *Client) Put(ctx context.Context, doc documents.Document) (documents.Document, error) {
	raw, err := c.encodeDocument(doc)
	if err != nil {
		return documents.Document{}, err
	}
	var row BulkResult
	if err := c.do(ctx, http.MethodPut, c.dbPath("docs", doc.ID), nil, raw, &row); err != nil {
		return documents.Document{}, err
	}
	stored := doc.Clone()
	stored.Rev = row.Rev
	return stored, nil
}

// Delete tombstones id at rev.
func (c *Client) Delete(ctx context.Context, id, rev string) (documents.Result, error) {
	query := url.Values{}
	if rev != "" {
		query.Set("rev", rev)
	}
	var row BulkResult
	if err := c.do(ctx, http.MethodDelete, c.dbPath("docs", id), query, nil, &row); err != nil {
		return documents.Result{ID: id, Err: err}, err
	}
	return documents.Result{ID: id, Rev: row.Rev, OK: true}, nil
}

// IssueToken exchanges the basic credentials for a bearer token.
func (c *Client) IssueToken(ctx context.Context) (TokenResponse, error) {
	var response TokenResponse
	err := c.send(ctx, http.MethodPost, "/auth/token", nil, nil, &response, false)
	return response, err
}

func (c *Client) dbPath(segments ...string) string {
	parts := append([]string{"db", c.target.Database}, segments...)
	return "/" + strings.Join(parts, "/")
}

func (c *Client) encodeDocument(doc documents.Document) (json.RawMessage, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	if !c.explicitNullRef || doc.Ref != nil || doc.Deleted {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["ref"] = json.RawMessage("null")
	return json.Marshal(fields)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.send(ctx, method, path, query, body, out, c.tokens != nil)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body, out any, bearer bool) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", documents.ErrValidation, err)
		}
		payload = bytes.NewReader(encoded)
	}
	target := *c.base
	target.Path = strings.TrimRight(target.Path, "/") + path
	target.RawPath = ""
	target.RawQuery = query.Encode()

	request, err := http.NewRequestWithContext(ctx, method, target.String(), payload)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if bearer {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		request.Header.Set("Authorization", "Bearer "+token)
	} else if c.target.Username != "" && c.target.Password != "" {
		request.SetBasicAuth(c.target.Username, c.target.Password)
	}

	response, err := c.http.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", store.ErrTransient, method, path, err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: read %s: %v", store.ErrTransient, path, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		statusErr := decodeStatusError(response.StatusCode, raw)
		if response.StatusCode == http.StatusUnauthorized && bearer {
			c.tokens.Invalidate()
		}
		c.logger.Debug("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return statusErr
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", store.ErrTransient, path, err)
	}
	return nil
}

func decodeStatusError(status int, raw []byte) *StatusError {
	var payload struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	statusErr := &StatusError{Status: status, Code: http.StatusText(status)}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		statusErr.Code = payload.Error
		statusErr.Reason = payload.Reason
	}
	return statusErr
}

func bulkRowError(row BulkResult) error {
	var cause error
	switch row.Error {
	case "conflict":
		cause = documents.ErrConflict
	case "not_found":
		cause = documents.ErrNotFound
	case "forbidden":
		cause = ErrForbidden
	default:
		cause = store.ErrTransient
	}
	if row.Reason == "" {
		return fmt.Errorf("%w: %s", cause, row.ID)
	}
	return fmt.Errorf("%w: %s: %s", cause, row.ID, row.Reason)
}

// SessionTokens caches bearer tokens issued by the remote token endpoint.
type SessionTokens struct {
	mu      sync.Mutex
	issuer  *Client
	clock   func() time.Time
	token   string
	expires time.Time
}

// NewSessionTokens returns a TokenSource backed by issuer's basic credentials.
func NewSessionTokens(issuer *Client, clock func() time.Time) *SessionTokens {
	if clock == nil {
		clock = time.Now
	}
	return &SessionTokens{issuer: issuer, clock: clock}
}

// Token returns a cached token, refreshing it shortly before expiry.
func (s *SessionTokens) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.clock().Before(s.expires) {
		return s.token, nil
	}
	response, err := s.issuer.IssueToken(ctx)
	if err != nil {
		return "", err
	}
	lifetime := time.Duration(response.ExpiresIn) * time.Second
	if lifetime > time.Minute {
		lifetime -= 30 * time.Second
	}
	s.token = response.AccessToken
	s.expires = s.clock().Add(lifetime)
	return s.token, nil
}

// Invalidate drops the cached token.
func (s *SessionTokens) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}
