// Package workspace implements the outbound adapter to the workspace REST
// API. Every call flows through a shared token bucket so the process as a
// whole stays under the documented 3 req/s ceiling.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
	"collabiq/pkg/httputil"
	"collabiq/pkg/ratelimit"
)

const (
	defaultBaseURL    = "https://api.notion.com"
	apiVersion        = "2022-06-28"
	serviceName       = "workspace"
	defaultPageSize   = 100
	defaultRatePerSec = 3.0
)

// Config holds the workspace connection settings.
type Config struct {
	BaseURL            string
	Token              string
	CollaborationsDBID string
	CompaniesDBID      string

	// CategoryProperty is the Companies select property carrying
	// Portfolio/Affiliate. MessageIDProperty is the Collaborations
	// rich_text property used for duplicate detection.
	CategoryProperty  string
	MessageIDProperty string

	RequestsPerSecond float64
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.CategoryProperty == "" {
		c.CategoryProperty = "Category"
	}
	if c.MessageIDProperty == "" {
		c.MessageIDProperty = "message_id"
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRatePerSec
	}
}

// Adapter implements out.WorkspaceStore against the REST API.
type Adapter struct {
	cfg    Config
	http   *http.Client
	bucket *ratelimit.TokenBucket

	mu                 sync.Mutex
	companiesTitleProp string // 지연 발견, 회사 자동 생성에 필요
}

// NewAdapter creates a workspace adapter. The HTTP client defaults to the
// shared workspace pool.
func NewAdapter(cfg Config, client *http.Client) *Adapter {
	cfg.applyDefaults()
	if client == nil {
		client = httputil.WorkspaceClient()
	}
	return &Adapter{
		cfg:    cfg,
		http:   client,
		bucket: ratelimit.NewTokenBucket(cfg.RequestsPerSecond, int(cfg.RequestsPerSecond)),
	}
}

// =============================================================================
// WorkspaceStore Implementation
// =============================================================================

// Schema discovers both database schemas in one pass.
func (a *Adapter) Schema(ctx context.Context) (*out.WorkspaceSchema, error) {
	collab, err := a.database(ctx, a.cfg.CollaborationsDBID)
	if err != nil {
		return nil, err
	}
	companies, err := a.database(ctx, a.cfg.CompaniesDBID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.companiesTitleProp = companies.titleProperty()
	a.mu.Unlock()

	return &out.WorkspaceSchema{
		Collaborations: collab.schema(),
		Companies:      companies.schema(),
		DiscoveredAt:   time.Now().UTC(),
	}, nil
}

// ListCompanies pages through the Companies database.
func (a *Adapter) ListCompanies(ctx context.Context) ([]domain.Company, error) {
	var companies []domain.Company
	cursor := ""
	for {
		req := wireQueryRequest{PageSize: defaultPageSize, StartCursor: cursor}
		var resp wireQueryResponse
		if err := a.do(ctx, http.MethodPost, "/v1/databases/"+a.cfg.CompaniesDBID+"/query", req, &resp); err != nil {
			return nil, err
		}
		for _, page := range resp.Results {
			c := page.company(a.cfg.CategoryProperty)
			if c.Name == "" {
				continue
			}
			companies = append(companies, c)
		}
		if !resp.HasMore {
			return companies, nil
		}
		cursor = resp.NextCursor
	}
}

// ListUsers pages through the workspace member list.
func (a *Adapter) ListUsers(ctx context.Context) ([]domain.WorkspaceUser, error) {
	var users []domain.WorkspaceUser
	cursor := ""
	for {
		path := fmt.Sprintf("/v1/users?page_size=%d", defaultPageSize)
		if cursor != "" {
			path += "&start_cursor=" + cursor
		}
		var resp wireUsersResponse
		if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		for _, u := range resp.Results {
			users = append(users, u.user())
		}
		if !resp.HasMore {
			return users, nil
		}
		cursor = resp.NextCursor
	}
}

// FindEntryByMessageID runs a single-result duplicate query.
func (a *Adapter) FindEntryByMessageID(ctx context.Context, messageID string) (string, bool, error) {
	req := wireQueryRequest{
		PageSize: 1,
		Filter: map[string]any{
			"property":  a.cfg.MessageIDProperty,
			"rich_text": map[string]any{"equals": messageID},
		},
	}
	var resp wireQueryResponse
	if err := a.do(ctx, http.MethodPost, "/v1/databases/"+a.cfg.CollaborationsDBID+"/query", req, &resp); err != nil {
		return "", false, err
	}
	if len(resp.Results) == 0 {
		return "", false, nil
	}
	return resp.Results[0].ID, true, nil
}

// CreateEntry creates a Collaborations page from mapped properties.
func (a *Adapter) CreateEntry(ctx context.Context, properties map[string]any) (string, error) {
	req := wireCreatePageRequest{
		Parent:     map[string]string{"database_id": a.cfg.CollaborationsDBID},
		Properties: properties,
	}
	var resp wirePage
	if err := a.do(ctx, http.MethodPost, "/v1/pages", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UpdateEntry overwrites the given properties on an existing page.
func (a *Adapter) UpdateEntry(ctx context.Context, pageID string, properties map[string]any) error {
	req := wireUpdatePageRequest{Properties: properties}
	return a.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, req, nil)
}

// CreateCompany adds a Companies row titled with the extracted name.
func (a *Adapter) CreateCompany(ctx context.Context, name string) (string, error) {
	titleProp, err := a.companiesTitle(ctx)
	if err != nil {
		return "", err
	}

	req := wireCreatePageRequest{
		Parent: map[string]string{"database_id": a.cfg.CompaniesDBID},
		Properties: map[string]any{
			titleProp: map[string]any{
				"title": []map[string]any{
					{"text": map[string]any{"content": name}},
				},
			},
		},
	}
	var resp wirePage
	if err := a.do(ctx, http.MethodPost, "/v1/pages", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// companiesTitle resolves the Companies title property, discovering the
// schema on first use.
func (a *Adapter) companiesTitle(ctx context.Context) (string, error) {
	a.mu.Lock()
	cached := a.companiesTitleProp
	a.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	db, err := a.database(ctx, a.cfg.CompaniesDBID)
	if err != nil {
		return "", err
	}
	prop := db.titleProperty()
	if prop == "" {
		return "", apperr.New(apperr.CodeSchemaViolation, apperr.CategoryPermanent,
			"companies database has no title property").WithService(serviceName)
	}

	a.mu.Lock()
	a.companiesTitleProp = prop
	a.mu.Unlock()
	return prop, nil
}

func (a *Adapter) database(ctx context.Context, id string) (*wireDatabase, error) {
	var db wireDatabase
	if err := a.do(ctx, http.MethodGet, "/v1/databases/"+id, nil, &db); err != nil {
		return nil, err
	}
	return &db, nil
}

// =============================================================================
// Transport
// =============================================================================

// do issues one rate-limited API request and decodes the response into v.
func (a *Adapter) do(ctx context.Context, method, path string, body, v any) error {
	if err := a.bucket.Wait(ctx); err != nil {
		return apperr.Timeout("workspace rate limit wait", err).WithService(serviceName)
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return apperr.BadRequest(serviceName, "encode request body", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, payload)
	if err != nil {
		return apperr.BadRequest(serviceName, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	req.Header.Set("Notion-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httputil.DoWithContext(ctx, a.http, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return apperr.Timeout("workspace "+method+" "+path, err).WithService(serviceName)
		}
		return apperr.ConnectionFailed(serviceName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return a.mapHTTPError(resp)
	}

	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return apperr.SchemaViolation(serviceName, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// mapHTTPError classifies an API error response once, at the boundary.
func (a *Adapter) mapHTTPError(resp *http.Response) error {
	var we wireError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &we)

	msg := we.Message
	if msg == "" {
		msg = string(raw)
	}
	cause := fmt.Errorf("workspace api %s: %s", we.Code, msg)

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return apperr.RateLimited(serviceName, retryAfter).WithError(cause)
	}
	return apperr.FromHTTPStatus(serviceName, resp.StatusCode, cause)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
