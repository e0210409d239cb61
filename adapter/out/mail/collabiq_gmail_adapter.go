// Package mail implements the mail providers behind the MailProvider port:
// Gmail for production and a local maildrop directory for development.
package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"collabiq/core/domain"
	"collabiq/core/port/out"
	"collabiq/pkg/apperr"
	"collabiq/pkg/httputil"
)

// Secret keys for the Gmail OAuth client.
const (
	SecretGmailClientID     = "GMAIL_CLIENT_ID"
	SecretGmailClientSecret = "GMAIL_CLIENT_SECRET"
)

const (
	serviceMail       = "mail"
	defaultQuery      = "in:inbox"
	defaultLookback   = 24 * time.Hour
	defaultFetchLimit = 25

	// maxScan bounds one cycle. More than this in a single interval means
	// something upstream is wrong; the rest is picked up next cycle.
	maxScan = 500

	fetchConcurrency = 5
)

// GmailConfig holds the Gmail provider settings.
type GmailConfig struct {
	TokenPath string        // 암호화된 OAuth 토큰 파일 경로
	Query     string        // 기본 "in:inbox"
	Lookback  time.Duration // 커서가 없을 때의 조회 범위
}

// GmailAdapter implements out.MailProvider against the Gmail API.
type GmailAdapter struct {
	service *gmail.Service
	cfg     GmailConfig
	log     zerolog.Logger
}

// NewGmailAdapter builds the Gmail client from the stored OAuth token.
// Refreshed tokens are persisted back through the token store.
func NewGmailAdapter(ctx context.Context, cfg GmailConfig, secrets out.SecretStore, log zerolog.Logger) (*GmailAdapter, error) {
	clientID, err := secrets.Get(ctx, SecretGmailClientID)
	if err != nil {
		return nil, err
	}
	clientSecret, err := secrets.Get(ctx, SecretGmailClientSecret)
	if err != nil {
		return nil, err
	}

	if cfg.Query == "" {
		cfg.Query = defaultQuery
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}

	store := NewTokenStore(cfg.TokenPath)
	token, err := store.Load()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeAuthFailed, apperr.CategoryCritical,
			"gmail token unavailable; run the OAuth bootstrap first").WithService(serviceMail)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	// 토큰 갱신도 전용 HTTP 풀을 타도록 한다.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, httputil.GmailClient())
	src := newPersistingTokenSource(
		oauth2.ReuseTokenSource(token, oauthCfg.TokenSource(ctx, token)),
		store, token)

	service, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, src)))
	if err != nil {
		return nil, apperr.ConnectionFailed(serviceMail, fmt.Errorf("create gmail service: %w", err))
	}

	return &GmailAdapter{service: service, cfg: cfg, log: log}, nil
}

// FetchAfter returns up to limit messages strictly after the cursor, oldest
// first. Gmail lists newest first, so the adapter pages through the
// candidate window, hydrates bodies in parallel, then sorts ascending.
func (a *GmailAdapter) FetchAfter(ctx context.Context, afterMessageID string, limit int) ([]domain.EmailMessage, error) {
	if limit <= 0 {
		limit = defaultFetchLimit
	}

	anchorDate, err := a.anchorInternalDate(ctx, afterMessageID)
	if err != nil {
		return nil, err
	}

	query := a.cfg.Query
	if anchorDate > 0 {
		// after:는 초 단위라 앵커와 같은 초의 메시지도 포함된다.
		// 앵커 자신은 아래에서 걸러내고, 나머지 중복은 쓰기 단계의
		// 중복 탐지가 흡수한다.
		query += fmt.Sprintf(" after:%d", anchorDate/1000)
	} else {
		query += fmt.Sprintf(" after:%d", time.Now().Add(-a.cfg.Lookback).Unix())
	}

	ids, err := a.listIDs(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	messages, err := a.hydrate(ctx, ids)
	if err != nil {
		return nil, err
	}

	filtered := messages[:0]
	for _, m := range messages {
		if m.MessageID == afterMessageID {
			continue
		}
		if anchorDate > 0 && m.ReceivedAt.UnixMilli() < anchorDate {
			continue
		}
		filtered = append(filtered, m)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if !filtered[i].ReceivedAt.Equal(filtered[j].ReceivedAt) {
			return filtered[i].ReceivedAt.Before(filtered[j].ReceivedAt)
		}
		return filtered[i].MessageID < filtered[j].MessageID
	})

	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// anchorInternalDate resolves the cursor message's timestamp. A cursor that
// no longer exists falls back to the lookback window.
func (a *GmailAdapter) anchorInternalDate(ctx context.Context, afterMessageID string) (int64, error) {
	if afterMessageID == "" {
		return 0, nil
	}

	anchor, err := a.service.Users.Messages.Get("me", afterMessageID).
		Format("minimal").
		Context(ctx).
		Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 404 {
			a.log.Warn().
				Str("component", "gmail").
				Str("operation", "fetch_after").
				Str("email_id", afterMessageID).
				Msg("cursor message no longer exists, falling back to lookback window")
			return 0, nil
		}
		return 0, mapGmailError(err)
	}
	return anchor.InternalDate, nil
}

func (a *GmailAdapter) listIDs(ctx context.Context, query string) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		req := a.service.Users.Messages.List("me").Q(query).MaxResults(100)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		resp, err := req.Context(ctx).Do()
		if err != nil {
			return nil, mapGmailError(err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
		}
		if len(ids) >= maxScan {
			a.log.Warn().
				Str("component", "gmail").
				Str("operation", "fetch_after").
				Int("scanned", len(ids)).
				Msg("candidate window exceeds scan bound, deferring the rest to the next cycle")
			return ids[:maxScan], nil
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// hydrate fetches full messages with bounded concurrency to stay inside
// the API's rate limits. Individual fetch failures drop the message from
// this cycle; it reappears in the next window.
func (a *GmailAdapter) hydrate(ctx context.Context, ids []string) ([]domain.EmailMessage, error) {
	type result struct {
		index int
		msg   domain.EmailMessage
		err   error
	}

	results := make(chan result, len(ids))
	semaphore := make(chan struct{}, fetchConcurrency)

	for i, id := range ids {
		go func(idx int, msgID string) {
			semaphore <- struct{}{}        // acquire
			defer func() { <-semaphore }() // release

			full, err := a.service.Users.Messages.Get("me", msgID).
				Format("full").
				Context(ctx).
				Do()
			if err != nil {
				results <- result{index: idx, err: err}
				return
			}
			results <- result{index: idx, msg: toEmailMessage(full)}
		}(i, id)
	}

	messages := make([]domain.EmailMessage, 0, len(ids))
	var firstErr error
	for range ids {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		messages = append(messages, r.msg)
	}

	// 전부 실패했다면 이번 사이클 자체가 실패다.
	if len(messages) == 0 && firstErr != nil {
		return nil, mapGmailError(firstErr)
	}
	if firstErr != nil {
		a.log.Warn().
			Str("component", "gmail").
			Str("operation", "fetch_after").
			Int("fetched", len(messages)).
			Int("requested", len(ids)).
			Err(firstErr).
			Msg("some messages failed to hydrate, they will retry next cycle")
	}
	return messages, nil
}

func toEmailMessage(msg *gmail.Message) domain.EmailMessage {
	body := bodyText(msg.Payload)
	if body == "" {
		body = msg.Snippet
	}
	return domain.EmailMessage{
		MessageID:  msg.Id,
		BodyText:   strings.TrimSpace(body),
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
	}
}

// bodyText walks the MIME tree preferring text/plain parts.
func bodyText(payload *gmail.MessagePart) string {
	if payload == nil {
		return ""
	}

	if payload.MimeType == "text/plain" && payload.Body != nil {
		data, _ := base64.URLEncoding.DecodeString(payload.Body.Data)
		if len(data) > 0 {
			return string(data)
		}
	}

	for _, part := range payload.Parts {
		if text := bodyText(part); text != "" {
			return text
		}
	}
	return ""
}

// mapGmailError classifies Gmail and OAuth failures at the boundary.
func mapGmailError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Timeout("gmail request", err).WithService(serviceMail)
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		// refresh token 자체가 거부됨. 재시도 불가, 재인증 필요.
		return apperr.TokenExpired(serviceMail).WithError(err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == 403 && strings.Contains(strings.ToLower(gerr.Message), "rate limit") {
			return apperr.RateLimited(serviceMail, 0).WithError(err)
		}
		return apperr.FromHTTPStatus(serviceMail, gerr.Code, err)
	}
	return apperr.ConnectionFailed(serviceMail, err)
}

var _ out.MailProvider = (*GmailAdapter)(nil)
