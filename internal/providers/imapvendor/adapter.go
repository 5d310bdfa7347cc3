// Package imapvendor adapts plain IMAP servers to the sync engine's provider
// contract. The cursor is a JSON map of mailbox name to the highest UID seen
// there; each pass searches every selectable mailbox for UIDs above its
// watermark.
package imapvendor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/Martian-dev/mailsync/internal/model"
	"github.com/Martian-dev/mailsync/internal/sync"
	"github.com/Martian-dev/mailsync/internal/vault"
)

// fetchCap bounds how many messages a single pass pulls from one mailbox so a
// huge backlog cannot pin a worker.
const fetchCap = 500

// Adapter implements the provider contract for generic IMAP servers. The
// account password travels in the credential's access token slot; there is no
// refresh flow.
type Adapter struct {
	addr     string
	username string
}

// New creates an IMAP adapter for one server and account.
func New(addr, username string) *Adapter {
	return &Adapter{addr: addr, username: username}
}

// Vendor implements sync.Provider.
func (a *Adapter) Vendor() model.Vendor { return model.VendorIMAP }

// Refresh implements sync.Provider. IMAP passwords do not expire; the
// credential comes back unchanged.
func (a *Adapter) Refresh(_ context.Context, cred vault.Credential) (vault.Credential, error) {
	return cred, nil
}

func (a *Adapter) connect(cred vault.Credential) (*imapclient.Client, error) {
	client, err := imapclient.DialTLS(a.addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", a.addr, err)
	}

	if err := client.Login(a.username, cred.AccessToken).Wait(); err != nil {
		_ = client.Logout().Wait()
		// A rejected password never heals on retry; the user has to
		// reconnect the account.
		return nil, &sync.AuthError{
			Vendor:    "imap",
			Message:   fmt.Sprintf("login failed for %s", a.username),
			Err:       err,
			IsRevoked: true,
		}
	}

	return client, nil
}

// FetchChanges implements sync.Provider. The whole walk happens in one call;
// HasMore is never true for this vendor.
func (a *Adapter) FetchChanges(ctx context.Context, cred vault.Credential, cursor string, lookback time.Duration) (*sync.ChangeSet, error) {
	watermarks := make(map[string]uint32)
	if cursor != "" {
		if err := json.Unmarshal([]byte(cursor), &watermarks); err != nil {
			return nil, &sync.CursorInvalidatedError{Vendor: "imap", Cursor: cursor, Err: err}
		}
	}

	client, err := a.connect(cred)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	mailboxes, err := listMailboxes(client)
	if err != nil {
		return nil, err
	}

	var messages []sync.RemoteMessage

	for _, mbox := range mailboxes {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		got, highest, err := a.fetchMailbox(client, mbox, watermarks[mbox.name], lookback)
		if err != nil {
			return nil, fmt.Errorf("syncing mailbox %s: %w", mbox.name, err)
		}

		messages = append(messages, got...)
		if highest > watermarks[mbox.name] {
			watermarks[mbox.name] = highest
		}
	}

	raw, err := json.Marshal(watermarks)
	if err != nil {
		return nil, fmt.Errorf("encoding cursor: %w", err)
	}

	return &sync.ChangeSet{Messages: messages, NewCursor: string(raw)}, nil
}

type mailboxInfo struct {
	name string
	hint string
}

// listMailboxes lists selectable mailboxes with their special-use attributes.
func listMailboxes(client *imapclient.Client) ([]mailboxInfo, error) {
	listed, err := client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	var out []mailboxInfo
	for _, data := range listed {
		info := mailboxInfo{name: data.Mailbox}
		selectable := true
		for _, attr := range data.Attrs {
			switch attr {
			case imap.MailboxAttrNoSelect, imap.MailboxAttrNonExistent:
				selectable = false
			default:
				if hint := specialUseHint(attr); hint != "" {
					info.hint = hint
				}
			}
		}
		if selectable {
			out = append(out, info)
		}
	}

	return out, nil
}

// fetchMailbox selects one mailbox and pulls envelopes for every UID above
// the watermark, or within the lookback window when there is no watermark yet.
func (a *Adapter) fetchMailbox(client *imapclient.Client, mbox mailboxInfo, lastUID uint32, lookback time.Duration) ([]sync.RemoteMessage, uint32, error) {
	if _, err := client.Select(mbox.name, &imap.SelectOptions{ReadOnly: true}).Wait(); err != nil {
		return nil, lastUID, fmt.Errorf("selecting: %w", err)
	}

	criteria := &imap.SearchCriteria{}
	if lastUID > 0 {
		var set imap.UIDSet
		set.AddRange(imap.UID(lastUID+1), 0)
		criteria.UID = []imap.UIDSet{set}
	} else {
		criteria.Since = time.Now().Add(-lookback)
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, lastUID, fmt.Errorf("searching: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, lastUID, nil
	}
	if len(uids) > fetchCap {
		uids = uids[len(uids)-fetchCap:]
	}

	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:     true,
		Flags:        true,
		UID:          true,
		RFC822Size:   true,
		InternalDate: true,
	})
	defer fetchCmd.Close()

	highest := lastUID
	var messages []sync.RemoteMessage

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		if uint32(buf.UID) > highest {
			highest = uint32(buf.UID)
		}
		messages = append(messages, normalizeBuffer(mbox, buf))
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, highest, fmt.Errorf("fetching: %w", err)
	}

	return messages, highest, nil
}

// FetchFolders implements sync.Provider.
func (a *Adapter) FetchFolders(ctx context.Context, cred vault.Credential) ([]sync.RemoteFolder, error) {
	client, err := a.connect(cred)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	listed, err := client.List("", "*", &imap.ListOptions{
		ReturnStatus: &imap.StatusOptions{NumMessages: true, NumUnseen: true},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	var folders []sync.RemoteFolder
	for _, data := range listed {
		rf := sync.RemoteFolder{RemoteName: data.Mailbox}
		skip := false
		for _, attr := range data.Attrs {
			switch attr {
			case imap.MailboxAttrNoSelect, imap.MailboxAttrNonExistent:
				skip = true
			default:
				if hint := specialUseHint(attr); hint != "" {
					rf.SpecialUseHint = hint
				}
			}
		}
		if skip {
			continue
		}
		if data.Status != nil {
			if data.Status.NumMessages != nil {
				rf.TotalCount = int(*data.Status.NumMessages)
			}
			if data.Status.NumUnseen != nil {
				rf.UnreadCount = int(*data.Status.NumUnseen)
			}
		}
		folders = append(folders, rf)
	}

	return folders, nil
}

func normalizeBuffer(mbox mailboxInfo, buf *imapclient.FetchMessageBuffer) sync.RemoteMessage {
	msg := sync.RemoteMessage{
		ExternalID:     fmt.Sprintf("%s/%d", mbox.name, uint32(buf.UID)),
		Folder:         mbox.name,
		SpecialUseHint: mbox.hint,
		Size:           buf.RFC822Size,
		ReceivedAt:     buf.InternalDate,
	}

	if buf.Envelope != nil {
		msg.Subject = buf.Envelope.Subject
		if len(buf.Envelope.From) > 0 {
			msg.Sender = buf.Envelope.From[0].Addr()
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = buf.Envelope.Date
		}
	}

	for _, flag := range buf.Flags {
		switch flag {
		case imap.FlagSeen:
			msg.IsRead = true
		case imap.FlagFlagged:
			msg.IsStarred = true
		}
	}

	return msg
}

// specialUseHint maps RFC 6154 mailbox attributes to special-use hints.
func specialUseHint(attr imap.MailboxAttr) string {
	switch attr {
	case imap.MailboxAttrSent:
		return "SENT"
	case imap.MailboxAttrTrash:
		return "TRASH"
	case imap.MailboxAttrDrafts:
		return "DRAFTS"
	case imap.MailboxAttrJunk:
		return "SPAM"
	case imap.MailboxAttrArchive:
		return "ARCHIVE"
	}
	return ""
}
