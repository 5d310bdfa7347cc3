// Package gmail adapts the Gmail history API to the sync engine's provider
// contract. The cursor is the mailbox history id; a rejected history id is
// signalled as CursorInvalidated so the worker can fall back to a bounded
// resync.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/vault"
)

const pageSize = 100

// Adapter implements the provider contract for Gmail.
type Adapter struct {
	clientID     string
	clientSecret string
}

// New creates a Gmail adapter with the app's OAuth client.
func New(clientID, clientSecret string) *Adapter {
	return &Adapter{clientID: clientID, clientSecret: clientSecret}
}

// Vendor implements sync.Provider.
func (a *Adapter) Vendor() model.Vendor { return model.VendorGmail }

func (a *Adapter) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
}

func (a *Adapter) service(ctx context.Context, cred vault.Credential) (*gmail.Service, error) {
	// Static token source: refresh is the vault's job, not the client's.
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken})

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, src)))
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return svc, nil
}

// Refresh implements sync.Provider.
func (a *Adapter) Refresh(ctx context.Context, cred vault.Credential) (vault.Credential, error) {
	src := a.oauthConfig().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})

	tok, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return vault.Credential{}, &sync.AuthError{
				Vendor:    "gmail",
				Message:   "refresh token revoked",
				Err:       err,
				IsRevoked: true,
			}
		}
		return vault.Credential{}, fmt.Errorf("refreshing token: %w", err)
	}

	fresh := vault.Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}

	return fresh, nil
}

// FetchChanges implements sync.Provider. The history walk happens inside a
// single call; the returned cursor is the highest history id observed and is
// always durable (HasMore is never true for this vendor).
func (a *Adapter) FetchChanges(ctx context.Context, cred vault.Credential, cursor string, lookback time.Duration) (*sync.ChangeSet, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	if cursor == "" {
		return a.backfill(ctx, svc, lookback)
	}

	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, &sync.CursorInvalidatedError{Vendor: "gmail", Cursor: cursor, Err: err}
	}

	call := svc.Users.History.List("me").
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(pageSize).
		Context(ctx)

	latest := startHistoryID
	seen := make(map[string]bool)

	var messages []sync.RemoteMessage

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latest {
			latest = page.HistoryId
		}

		for _, history := range page.History {
			if history.Id > latest {
				latest = history.Id
			}

			for _, record := range history.MessagesAdded {
				msgID := record.Message.Id
				if seen[msgID] {
					continue
				}
				seen[msgID] = true

				meta, err := svc.Users.Messages.Get("me", msgID).Format("metadata").Context(ctx).Do()
				if err != nil {
					if isGone(err) {
						// Message deleted between the history record
						// and now; nothing to sync.
						continue
					}
					return fmt.Errorf("getting message %s: %w", msgID, err)
				}

				messages = append(messages, normalizeMessage(meta))
			}
		}
		return nil
	})
	if err != nil {
		return nil, a.classify(err, cursor)
	}

	return &sync.ChangeSet{
		Messages:  messages,
		NewCursor: strconv.FormatUint(latest, 10),
	}, nil
}

// backfill lists messages within the lookback window and returns the current
// profile history id as the first durable cursor.
func (a *Adapter) backfill(ctx context.Context, svc *gmail.Service, lookback time.Duration) (*sync.ChangeSet, error) {
	days := int(lookback.Hours() / 24)
	if days < 1 {
		days = 1
	}

	call := svc.Users.Messages.List("me").
		Q(fmt.Sprintf("newer_than:%dd", days)).
		IncludeSpamTrash(false).
		MaxResults(pageSize).
		Context(ctx)

	var messages []sync.RemoteMessage

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			meta, err := svc.Users.Messages.Get("me", m.Id).Format("metadata").Context(ctx).Do()
			if err != nil {
				if isGone(err) {
					continue
				}
				return fmt.Errorf("getting message %s: %w", m.Id, err)
			}
			messages = append(messages, normalizeMessage(meta))
		}
		return nil
	})
	if err != nil {
		return nil, a.classify(err, "")
	}

	profile, err := svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, a.classify(err, "")
	}

	return &sync.ChangeSet{
		Messages:  messages,
		NewCursor: strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

// FetchFolders implements sync.Provider. Gmail folders are system labels;
// counts come back as cache seeds and are rebuilt from rows either way.
func (a *Adapter) FetchFolders(ctx context.Context, cred vault.Credential) ([]sync.RemoteFolder, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Labels.List("me").Context(ctx).Do()
	if err != nil {
		return nil, a.classify(err, "")
	}

	var folders []sync.RemoteFolder
	for _, label := range resp.Labels {
		hint := systemLabelHint(label.Id)
		if label.Type == "system" && hint == "" {
			// Category and state labels (UNREAD, STARRED, CATEGORY_*)
			// are not folders.
			continue
		}
		folders = append(folders, sync.RemoteFolder{
			RemoteName:     label.Name,
			SpecialUseHint: hint,
			TotalCount:     int(label.MessagesTotal),
			UnreadCount:    int(label.MessagesUnread),
		})
	}

	return folders, nil
}

// classify maps Gmail API errors to the engine taxonomy.
func (a *Adapter) classify(err error, cursor string) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case http.StatusNotFound:
		// History id too old or unknown.
		return &sync.CursorInvalidatedError{Vendor: "gmail", Cursor: cursor, Err: err}
	case http.StatusTooManyRequests:
		return &sync.RateLimitedError{Vendor: "gmail", RetryAfter: retryAfter(apiErr), Err: err}
	case http.StatusUnauthorized:
		return &sync.AuthError{Vendor: "gmail", Message: "access token rejected", Err: err}
	case http.StatusForbidden:
		// Gmail reports quota exhaustion as 403 with a rate-limit reason.
		for _, e := range apiErr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return &sync.RateLimitedError{Vendor: "gmail", RetryAfter: retryAfter(apiErr), Err: err}
			}
		}
	}

	return err
}

func retryAfter(apiErr *googleapi.Error) time.Duration {
	if apiErr.Header == nil {
		return 0
	}
	if v := apiErr.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

func normalizeMessage(m *gmail.Message) sync.RemoteMessage {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	msg := sync.RemoteMessage{
		ExternalID: m.Id,
		ThreadID:   m.ThreadId,
		Subject:    headers["Subject"],
		Sender:     headers["From"],
		Snippet:    m.Snippet,
		IsRead:     true,
		Size:       m.SizeEstimate,
		ReceivedAt: time.UnixMilli(m.InternalDate),
		Labels:     m.LabelIds,
	}

	msg.Folder = "INBOX"
	for _, id := range m.LabelIds {
		switch id {
		case "UNREAD":
			msg.IsRead = false
		case "STARRED":
			msg.IsStarred = true
		default:
			if hint := systemLabelHint(id); hint != "" {
				msg.Folder = id
				msg.SpecialUseHint = hint
			}
		}
	}

	return msg
}

// systemLabelHint maps Gmail system label ids to special-use hints.
func systemLabelHint(labelID string) string {
	switch labelID {
	case "INBOX":
		return "INBOX"
	case "SENT":
		return "SENT"
	case "TRASH":
		return "TRASH"
	case "DRAFT":
		return "DRAFTS"
	case "SPAM":
		return "SPAM"
	}
	return ""
}
