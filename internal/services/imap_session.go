package services

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/mailforge/core/internal/database/models"
)

// FolderStatus is the state of a selected folder as reported by the server.
type FolderStatus struct {
	UIDValidity uint32
	UIDNext     uint32
	Messages    uint32
}

// FetchedMessage represents one message pulled from the provider, parsed as
// far as possible. ParseErr is set when the MIME structure could not be
// decoded; such messages are counted and skipped rather than failing the run.
type FetchedMessage struct {
	UID         uint32
	MessageID   string
	Subject     string
	From        string
	To          []string
	Date        time.Time
	Body        string
	HTMLBody    string
	Seen        bool
	Flagged     bool
	Size        int64
	InReplyTo   string
	References  []string
	Raw         []byte
	Attachments []FetchedAttachment
	ParseErr    error
}

// FetchedAttachment represents an attachment from a fetched message.
type FetchedAttachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// MailboxSession is one authenticated conversation with a mail provider.
// The live implementation wraps go-imap; tests substitute a fake.
type MailboxSession interface {
	// SelectFolder opens a folder read-only and returns its status.
	SelectFolder(folder string) (*FolderStatus, error)
	// FetchSince returns messages in the selected folder with UID greater
	// than sinceUID. When sinceUID is zero and lookback is positive, only
	// messages newer than now-lookback are returned.
	FetchSince(folder string, sinceUID uint32, lookback time.Duration) ([]FetchedMessage, error)
	// Logout ends the session.
	Logout() error
}

// imapSession is the live MailboxSession over go-imap.
type imapSession struct {
	c *client.Client
}

// newIMAPSession authenticates a live session for the account.
func newIMAPSession(account *models.MailAccount, cred imapCredential) (MailboxSession, error) {
	c, err := dialIMAP(account, cred)
	if err != nil {
		return nil, err
	}
	return &imapSession{c: c}, nil
}

func (s *imapSession) SelectFolder(folder string) (*FolderStatus, error) {
	mbox, err := s.c.Select(folder, true)
	if err != nil {
		return nil, transientErr("imap select", err)
	}
	return &FolderStatus{
		UIDValidity: mbox.UidValidity,
		UIDNext:     mbox.UidNext,
		Messages:    mbox.Messages,
	}, nil
}

func (s *imapSession) FetchSince(folder string, sinceUID uint32, lookback time.Duration) ([]FetchedMessage, error) {
	criteria := imap.NewSearchCriteria()
	uidRange := new(imap.SeqSet)
	uidRange.AddRange(sinceUID+1, 0)
	criteria.Uid = uidRange
	if sinceUID == 0 && lookback > 0 {
		since := time.Now().Add(-lookback)
		criteria.Since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC)
	}

	uids, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, transientErr("imap search", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		section.FetchItem(),
	}

	var out []FetchedMessage
	const fetchBatch = 50
	for i := 0; i < len(uids); i += fetchBatch {
		end := i + fetchBatch
		if end > len(uids) {
			end = len(uids)
		}

		uidSet := new(imap.SeqSet)
		uidSet.AddNum(uids[i:end]...)

		messages := make(chan *imap.Message, fetchBatch)
		done := make(chan error, 1)
		go func() {
			done <- s.c.UidFetch(uidSet, items, messages)
		}()

		for msg := range messages {
			if msg == nil {
				continue
			}
			out = append(out, buildFetchedMessage(msg, section))
		}
		if err := <-done; err != nil {
			return out, transientErr("imap fetch", err)
		}
	}
	return out, nil
}

func (s *imapSession) Logout() error {
	return s.c.Logout()
}

// buildFetchedMessage converts a raw go-imap message into the parsed form.
func buildFetchedMessage(msg *imap.Message, section *imap.BodySectionName) FetchedMessage {
	fm := FetchedMessage{
		UID:  msg.Uid,
		Size: int64(msg.Size),
	}

	if msg.Envelope != nil {
		fm.MessageID = strings.TrimSpace(msg.Envelope.MessageId)
		fm.Subject = msg.Envelope.Subject
		fm.Date = msg.Envelope.Date
		fm.InReplyTo = strings.TrimSpace(msg.Envelope.InReplyTo)
		if len(msg.Envelope.From) > 0 {
			fm.From = formatAddress(msg.Envelope.From[0])
		}
		for _, addr := range msg.Envelope.To {
			fm.To = append(fm.To, formatAddress(addr))
		}
	}

	for _, flag := range msg.Flags {
		switch flag {
		case imap.SeenFlag:
			fm.Seen = true
		case imap.FlaggedFlag:
			fm.Flagged = true
		}
	}

	literal := msg.GetBody(section)
	if literal != nil {
		raw, err := io.ReadAll(literal)
		if err == nil && len(raw) > 0 {
			fm.Raw = raw
			parseRawMessage(raw, &fm)
		}
	}

	fm.MessageID = fallbackMessageID(&fm)
	return fm
}

// parseRawMessage fills bodies, references and attachments from the raw
// RFC 822 content. Failures land in ParseErr.
func parseRawMessage(raw []byte, fm *FetchedMessage) {
	r := bytes.NewReader(raw)
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		// Fall back to a bare header/body split so at least the plain text
		// survives a malformed MIME structure.
		r.Seek(0, io.SeekStart)
		m, mailErr := mail.ReadMessage(r)
		if mailErr != nil {
			fm.ParseErr = parseErr("message parse", err)
			return
		}
		if fm.MessageID == "" {
			fm.MessageID = strings.TrimSpace(m.Header.Get("Message-Id"))
		}
		fm.References = splitReferences(m.Header.Get("References"))
		if fm.InReplyTo == "" {
			fm.InReplyTo = strings.TrimSpace(m.Header.Get("In-Reply-To"))
		}
		body, _ := io.ReadAll(m.Body)
		fm.Body = NormalizePlainText(string(body))
		return
	}

	if fm.MessageID == "" {
		fm.MessageID = strings.TrimSpace(entity.Header.Get("Message-Id"))
	}
	fm.References = splitReferences(entity.Header.Get("References"))
	if fm.InReplyTo == "" {
		fm.InReplyTo = strings.TrimSpace(entity.Header.Get("In-Reply-To"))
	}

	parseMessageEntity(entity, fm)
	fm.Body = NormalizePlainText(fm.Body)
	fm.HTMLBody = SanitizeHTML(fm.HTMLBody)
}

// parseMessageEntity recursively walks a MIME entity tree collecting text
// bodies and attachments.
func parseMessageEntity(entity *message.Entity, fm *FetchedMessage) {
	mediaType, params, _ := entity.Header.ContentType()

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		if mr == nil {
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			parseMessageEntity(part, fm)
		}
		return
	}

	if mediaType == "text/plain" && fm.Body == "" {
		body, _ := io.ReadAll(entity.Body)
		fm.Body = string(body)
		return
	}
	if mediaType == "text/html" && fm.HTMLBody == "" {
		body, _ := io.ReadAll(entity.Body)
		fm.HTMLBody = string(body)
		return
	}

	isAttachment := false
	var filename string
	if disposition := entity.Header.Get("Content-Disposition"); disposition != "" {
		dispType, dispParams, err := mime.ParseMediaType(disposition)
		if err == nil {
			if dispType == "attachment" || (dispType == "inline" && dispParams["filename"] != "") {
				isAttachment = true
				filename = dispParams["filename"]
			}
		}
	}
	if params["name"] != "" {
		isAttachment = true
		if filename == "" {
			filename = params["name"]
		}
	}
	if filename != "" {
		dec := new(mime.WordDecoder)
		if decoded, err := dec.DecodeHeader(filename); err == nil {
			filename = decoded
		}
	}
	if !isAttachment && !strings.HasPrefix(mediaType, "text/") && mediaType != "" {
		isAttachment = true
	}

	if !isAttachment {
		return
	}
	content, _ := io.ReadAll(entity.Body)
	if len(content) == 0 {
		return
	}
	if filename == "" {
		ext := ".bin"
		if strings.HasPrefix(mediaType, "image/") {
			ext = "." + strings.TrimPrefix(mediaType, "image/")
		} else if mediaType == "application/pdf" {
			ext = ".pdf"
		}
		filename = "attachment" + ext
	}
	fm.Attachments = append(fm.Attachments, FetchedAttachment{
		Filename:    filename,
		ContentType: mediaType,
		Content:     content,
	})
}

// fallbackMessageID synthesizes a stable identifier when the provider sent
// no Message-ID header.
func fallbackMessageID(fm *FetchedMessage) string {
	if fm.MessageID != "" {
		return fm.MessageID
	}
	if len(fm.Raw) > 0 {
		sum := sha256.Sum256(fm.Raw)
		return "sha256:" + hex.EncodeToString(sum[:])
	}
	if fm.UID != 0 {
		return fmt.Sprintf("uid:%d", fm.UID)
	}
	seed := fmt.Sprintf("%d|%s|%s|%s", fm.Date.UnixNano(), fm.Subject, fm.From, strings.Join(fm.To, ","))
	sum := sha256.Sum256([]byte(seed))
	return "gen:" + hex.EncodeToString(sum[:16])
}

// splitReferences parses a References header into its message-id list.
func splitReferences(header string) []string {
	fields := strings.Fields(header)
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// formatAddress formats an IMAP address to a string
func formatAddress(addr *imap.Address) string {
	if addr.PersonalName != "" {
		return fmt.Sprintf("%s <%s@%s>", addr.PersonalName, addr.MailboxName, addr.HostName)
	}
	return fmt.Sprintf("%s@%s", addr.MailboxName, addr.HostName)
}
