// Package normalize maps vendor folder and label vocabularies into the
// canonical set and resolves message identity. Mapping is applied once at
// ingestion and never re-derived, so a later pass cannot silently revert a
// user's manual folder move.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/model"
	syncpkg "github.com/Martian-dev/mailsync/internal/sync"
)

// Canonical folder vocabulary.
const (
	FolderInbox   = "INBOX"
	FolderSent    = "SENT"
	FolderTrash   = "TRASH"
	FolderDrafts  = "DRAFTS"
	FolderArchive = "ARCHIVE"
	FolderSpam    = "SPAM"
	FolderOutbox  = "OUTBOX"
)

// specialUse maps vendor special-use tags to canonical folders. Hints are
// authoritative when present.
var specialUse = map[string]string{
	"INBOX":     FolderInbox,
	"SENT":      FolderSent,
	"SENTITEMS": FolderSent,
	"TRASH":     FolderTrash,
	"DELETED":   FolderTrash,
	"DRAFTS":    FolderDrafts,
	"ARCHIVE":   FolderArchive,
	"ALL":       FolderArchive,
	"SPAM":      FolderSpam,
	"JUNK":      FolderSpam,
	"JUNKEMAIL": FolderSpam,
	"OUTBOX":    FolderOutbox,
	"\\INBOX":   FolderInbox,
	"\\SENT":    FolderSent,
	"\\TRASH":   FolderTrash,
	"\\DRAFTS":  FolderDrafts,
	"\\ARCHIVE": FolderArchive,
	"\\ALL":     FolderArchive,
	"\\JUNK":    FolderSpam,
}

// folderNames is the locale-aware name lookup used when no special-use hint
// is present. Keys are uppercased remote names.
var folderNames = map[string]string{
	"INBOX":              FolderInbox,
	"POSTEINGANG":        FolderInbox,
	"BOITE DE RECEPTION": FolderInbox,

	"SENT":             FolderSent,
	"SENT ITEMS":       FolderSent,
	"SENT MAIL":        FolderSent,
	"GESENDET":         FolderSent,
	"ENVOYES":          FolderSent,
	"ELEMENTS ENVOYES": FolderSent,

	"TRASH":         FolderTrash,
	"DELETED ITEMS": FolderTrash,
	"BIN":           FolderTrash,
	"PAPIERKORB":    FolderTrash,
	"CORBEILLE":     FolderTrash,

	"DRAFTS":     FolderDrafts,
	"DRAFT":      FolderDrafts,
	"ENTWUERFE":  FolderDrafts,
	"BROUILLONS": FolderDrafts,

	"ARCHIVE":  FolderArchive,
	"ARCHIVES": FolderArchive,
	"ALL MAIL": FolderArchive,
	"ARCHIV":   FolderArchive,

	"SPAM":                 FolderSpam,
	"JUNK":                 FolderSpam,
	"JUNK EMAIL":           FolderSpam,
	"COURRIER INDESIRABLE": FolderSpam,

	"OUTBOX":      FolderOutbox,
	"POSTAUSGANG": FolderOutbox,
}

// CategoryFolders resolves category-style labels into a canonical folder.
// Which category lands where is product policy, not structure; replace the
// table wholesale to change it.
var CategoryFolders = map[string]string{
	"CATEGORY_PERSONAL":   FolderInbox,
	"CATEGORY_SOCIAL":     "SOCIAL",
	"CATEGORY_PROMOTIONS": "PROMOTIONS",
	"CATEGORY_UPDATES":    "UPDATES",
	"CATEGORY_FORUMS":     "FORUMS",
}

// Folder resolves a (raw name, special-use hint) pair to a canonical folder.
// Precedence: vendor special-use tag, then the locale name table, then the
// uppercased raw name as a custom folder. Deterministic and call-order
// independent.
func Folder(rawName, specialUseHint string) string {
	if specialUseHint != "" {
		key := strings.ToUpper(strings.TrimSpace(specialUseHint))
		if canonical, ok := specialUse[key]; ok {
			return canonical
		}
	}

	key := strings.ToUpper(strings.TrimSpace(rawName))
	if canonical, ok := folderNames[key]; ok {
		return canonical
	}
	if canonical, ok := CategoryFolders[key]; ok {
		return canonical
	}

	return key
}

// Message canonicalizes a vendor message into an Email row for the given
// provider. Returns an error when the message cannot be identified; the
// worker skips such messages without aborting the pass.
func Message(cfg *model.ProviderConfig, msg syncpkg.RemoteMessage) (*model.Email, error) {
	if msg.ExternalID == "" {
		return nil, fmt.Errorf("message has no external id")
	}

	folder := Folder(msg.Folder, msg.SpecialUseHint)

	// A category label reassigns the folder only when the message is
	// otherwise in the inbox; categories never pull mail out of SENT,
	// TRASH or a custom folder.
	if folder == FolderInbox {
		for _, label := range msg.Labels {
			if mapped, ok := CategoryFolders[strings.ToUpper(label)]; ok {
				folder = mapped
				break
			}
		}
	}

	received := msg.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}

	return &model.Email{
		ProviderID: cfg.ID,
		TenantID:   cfg.TenantID,
		ExternalID: msg.ExternalID,
		ThreadID:   msg.ThreadID,
		Folder:     folder,
		Labels:     msg.Labels,
		Subject:    msg.Subject,
		Sender:     msg.Sender,
		Snippet:    msg.Snippet,
		IsRead:     msg.IsRead,
		IsStarred:  msg.IsStarred,
		Size:       msg.Size,
		ReceivedAt: received.UTC(),
	}, nil
}

// Canonicalizer plugs the package into the engine's Normalizer contract.
type Canonicalizer struct{}

func NewCanonicalizer() *Canonicalizer { return &Canonicalizer{} }

func (Canonicalizer) Message(cfg *model.ProviderConfig, msg syncpkg.RemoteMessage) (*model.Email, error) {
	return Message(cfg, msg)
}

func (Canonicalizer) Folder(cfg *model.ProviderConfig, f syncpkg.RemoteFolder) *model.Folder {
	return FolderRecord(cfg, f)
}

// FolderRecord canonicalizes a vendor folder listing.
func FolderRecord(cfg *model.ProviderConfig, rf syncpkg.RemoteFolder) *model.Folder {
	canonical := Folder(rf.RemoteName, rf.SpecialUseHint)

	special := ""
	switch canonical {
	case FolderInbox, FolderSent, FolderTrash, FolderDrafts, FolderArchive, FolderSpam:
		special = canonical
	}

	return &model.Folder{
		ProviderID:  cfg.ID,
		TenantID:    cfg.TenantID,
		RemoteName:  rf.RemoteName,
		Name:        canonical,
		SpecialUse:  special,
		TotalCount:  rf.TotalCount,
		UnreadCount: rf.UnreadCount,
	}
}
