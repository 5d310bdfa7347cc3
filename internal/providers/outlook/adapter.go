// Package outlook adapts Microsoft Graph delta queries to the sync engine's
// provider contract. The cursor is the Graph delta link; while the vendor
// returns nextLink pages the change set reports HasMore and only the final
// deltaLink is durable.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/vault"
)

const pageSize = int32(100)

var selectFields = []string{
	"id", "conversationId", "subject", "from", "bodyPreview",
	"receivedDateTime", "isRead", "isDraft", "flag",
}

// Adapter implements the provider contract for Outlook / Microsoft Graph.
type Adapter struct {
	clientID     string
	clientSecret string
	userID       string
}

// New creates an Outlook adapter bound to one mailbox.
func New(clientID, clientSecret, userID string) *Adapter {
	return &Adapter{clientID: clientID, clientSecret: clientSecret, userID: userID}
}

// Vendor implements sync.Provider.
func (a *Adapter) Vendor() model.Vendor { return model.VendorOutlook }

func (a *Adapter) client(cred vault.Credential) (*msgraphsdk.GraphServiceClient, error) {
	tokenCred := &staticTokenCredential{token: cred.AccessToken, expiry: cred.Expiry}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(tokenCred, []string{})
	if err != nil {
		return nil, fmt.Errorf("creating graph client: %w", err)
	}
	return client, nil
}

// Refresh implements sync.Provider.
func (a *Adapter) Refresh(ctx context.Context, cred vault.Credential) (vault.Credential, error) {
	conf := &oauth2.Config{
		ClientID:     a.clientID,
		ClientSecret: a.clientSecret,
		Endpoint:     microsoft.AzureADEndpoint("common"),
		Scopes:       []string{"Mail.Read", "offline_access"},
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.ErrorCode == "invalid_grant" {
			return vault.Credential{}, &sync.AuthError{
				Vendor:    "outlook",
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

// FetchChanges implements sync.Provider. One call fetches one page; the
// worker loops while HasMore holds the intermediate nextLink cursor.
func (a *Adapter) FetchChanges(ctx context.Context, cred vault.Credential, cursor string, lookback time.Duration) (*sync.ChangeSet, error) {
	client, err := a.client(cred)
	if err != nil {
		return nil, err
	}

	var page users.ItemMailFoldersItemMessagesDeltaGetResponseable

	if cursor == "" {
		since := time.Now().Add(-lookback).UTC().Format(time.RFC3339)
		requestConfig := &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMailFoldersItemMessagesDeltaRequestBuilderGetQueryParameters{
				Top:    int32Ptr(pageSize),
				Select: selectFields,
				Filter: strPtr(fmt.Sprintf("receivedDateTime ge %s", since)),
			},
		}

		page, err = client.Users().ByUserId(a.userID).
			MailFolders().ByMailFolderId("inbox").
			Messages().Delta().
			GetAsDeltaGetResponse(ctx, requestConfig)
	} else {
		builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(cursor, client.GetAdapter())
		page, err = builder.GetAsDeltaGetResponse(ctx, nil)
	}
	if err != nil {
		return nil, a.classify(err, cursor)
	}

	messages := make([]sync.RemoteMessage, 0, len(page.GetValue()))
	for _, m := range page.GetValue() {
		messages = append(messages, normalizeMessage(m))
	}

	if next := page.GetOdataNextLink(); next != nil && *next != "" {
		return &sync.ChangeSet{Messages: messages, NewCursor: *next, HasMore: true}, nil
	}

	newCursor := cursor
	if delta := page.GetOdataDeltaLink(); delta != nil && *delta != "" {
		newCursor = *delta
	}

	return &sync.ChangeSet{Messages: messages, NewCursor: newCursor}, nil
}

// FetchFolders implements sync.Provider.
func (a *Adapter) FetchFolders(ctx context.Context, cred vault.Credential) ([]sync.RemoteFolder, error) {
	client, err := a.client(cred)
	if err != nil {
		return nil, err
	}

	result, err := client.Users().ByUserId(a.userID).MailFolders().Get(ctx, nil)
	if err != nil {
		return nil, a.classify(err, "")
	}

	var folders []sync.RemoteFolder
	for _, f := range result.GetValue() {
		rf := sync.RemoteFolder{}
		if name := f.GetDisplayName(); name != nil {
			rf.RemoteName = *name
		}
		if total := f.GetTotalItemCount(); total != nil {
			rf.TotalCount = int(*total)
		}
		if unread := f.GetUnreadItemCount(); unread != nil {
			rf.UnreadCount = int(*unread)
		}
		folders = append(folders, rf)
	}

	return folders, nil
}

// classify maps Graph errors to the engine taxonomy.
func (a *Adapter) classify(err error, cursor string) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return err
	}

	switch odataErr.ResponseStatusCode {
	case http.StatusGone:
		// Graph signals an expired delta token with 410 resyncRequired.
		return &sync.CursorInvalidatedError{Vendor: "outlook", Cursor: cursor, Err: err}
	case http.StatusTooManyRequests:
		return &sync.RateLimitedError{Vendor: "outlook", Err: err}
	case http.StatusUnauthorized:
		return &sync.AuthError{Vendor: "outlook", Message: "access token rejected", Err: err}
	}

	return err
}

func normalizeMessage(m models.Messageable) sync.RemoteMessage {
	msg := sync.RemoteMessage{
		Folder:         "Inbox",
		SpecialUseHint: "INBOX",
		IsRead:         true,
	}

	if id := m.GetId(); id != nil {
		msg.ExternalID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if addr := from.GetEmailAddress(); addr != nil && addr.GetAddress() != nil {
			msg.Sender = *addr.GetAddress()
		}
	}
	if preview := m.GetBodyPreview(); preview != nil {
		msg.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	}
	if isRead := m.GetIsRead(); isRead != nil {
		msg.IsRead = *isRead
	}
	if isDraft := m.GetIsDraft(); isDraft != nil && *isDraft {
		msg.Folder = "Drafts"
		msg.SpecialUseHint = "DRAFTS"
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			msg.IsStarred = true
		}
	}

	return msg
}

// staticTokenCredential hands the vault-supplied access token to the Graph
// SDK; refresh stays with the vault.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiry := c.expiry
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: c.token, ExpiresOn: expiry}, nil
}

func int32Ptr(i int32) *int32 { return &i }

func strPtr(s string) *string { return &s }
