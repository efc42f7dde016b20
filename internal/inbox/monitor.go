// Package inbox reads gift card e-mails over IMAP and finds their redemption links
package inbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"

	"github.com/egcx/egcx/internal/config"
)

const fetchBatchSize = 50

// ErrNotConnected is returned by operations that need a live session
var ErrNotConnected = errors.New("not connected to IMAP server")

// ConnectionError is a failure to reach or log in to the mailbox. It is the
// only error that ends a run.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("mailbox connection to %s failed: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Message is a gift card e-mail
type Message struct {
	UID        uint32 // IMAP UID for operations like move
	MessageID  string
	From       string
	To         string
	Subject    string
	ReceivedAt time.Time
	HTMLBody   string
	TextBody   string
}

// Filter selects messages
type Filter struct {
	From   string
	Folder string
	Since  time.Time
}

// Monitor handles the IMAP connection
type Monitor struct {
	config config.InboxConfig
	client *client.Client
	logger *slog.Logger
}

// NewMonitor creates a new inbox monitor
func NewMonitor(cfg config.InboxConfig, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{config: cfg, logger: logger}
}

// Connect establishes the IMAP connection
func (m *Monitor) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	if err := ctx.Err(); err != nil {
		return err
	}

	m.logger.Info("connecting to IMAP server", "addr", addr)
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return &ConnectionError{Server: addr, Err: err}
	}

	if err := c.Login(m.config.Email, m.config.Password); err != nil {
		c.Logout()
		return &ConnectionError{Server: addr, Err: fmt.Errorf("login as %s: %w", m.config.Email, err)}
	}

	m.client = c
	m.logger.Info("login successful", "email", m.config.Email)
	return nil
}

// Disconnect closes the IMAP connection
func (m *Monitor) Disconnect() error {
	if m.client != nil {
		err := m.client.Logout()
		m.client = nil
		return err
	}
	return nil
}

// Fetch returns messages in f.Folder from f.From received since f.Since,
// oldest first. Messages are fetched with PEEK so they stay unread.
func (m *Monitor) Fetch(ctx context.Context, f Filter) ([]Message, error) {
	if m.client == nil {
		return nil, ErrNotConnected
	}
	folder := f.Folder
	if folder == "" {
		folder = m.config.Folder
	}

	mbox, err := m.client.Select(folder, true)
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", folder, err)
	}
	m.logger.Debug("selected folder", "folder", folder, "messages", mbox.Messages)
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	if f.From != "" {
		criteria.Header.Add("From", f.From)
	}
	if !f.Since.IsZero() {
		criteria.Since = f.Since
	}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", folder, err)
	}
	m.logger.Info("found messages", "folder", folder, "from", f.From, "count", len(uids))

	var out []Message
	for i := 0; i < len(uids); i += fetchBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+fetchBatchSize, len(uids))

		batch, err := m.fetchBatch(uids[i:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (m *Monitor) fetchBatch(uids []uint32) ([]Message, error) {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqSet, items, messages)
	}()

	var out []Message
	for msg := range messages {
		parsed, err := parseIMAPMessage(msg, section)
		if err != nil {
			m.logger.Warn("failed to parse message", "uid", msg.Uid, "error", err)
			continue
		}
		if parsed != nil {
			out = append(out, *parsed)
		}
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	return out, nil
}

// parseIMAPMessage converts a fetched IMAP message, preferring envelope
// fields over the parsed header
func parseIMAPMessage(msg *imap.Message, section *imap.BodySectionName) (*Message, error) {
	if msg == nil || msg.Envelope == nil {
		return nil, nil
	}

	out := &Message{
		UID:        msg.Uid,
		MessageID:  msg.Envelope.MessageId,
		Subject:    msg.Envelope.Subject,
		ReceivedAt: msg.Envelope.Date,
	}
	if len(msg.Envelope.From) > 0 {
		out.From = msg.Envelope.From[0].Address()
	}
	if len(msg.Envelope.To) > 0 {
		out.To = msg.Envelope.To[0].Address()
	}

	r := msg.GetBody(section)
	if r == nil {
		return out, nil
	}
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read MIME body: %w", err)
	}
	readBodies(mr, out)
	return out, nil
}

// ParseMessage reads a raw RFC 5322 message, such as a saved .eml file
func ParseMessage(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	out := &Message{}
	h := mr.Header
	out.MessageID, _ = h.MessageID()
	out.Subject, _ = h.Subject()
	out.ReceivedAt, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		out.From = from[0].Address
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		out.To = to[0].Address
	}

	readBodies(mr, out)
	return out, nil
}

func readBodies(mr *mail.Reader, out *Message) {
	for {
		p, err := mr.NextPart()
		if err != nil {
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		body, err := io.ReadAll(p.Body)
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(ct, "text/html") && out.HTMLBody == "":
			out.HTMLBody = string(body)
		case strings.HasPrefix(ct, "text/plain") && out.TextBody == "":
			out.TextBody = string(body)
		}
	}
}

// EnsureFolderExists creates a folder/label if it doesn't already exist
func (m *Monitor) EnsureFolderExists(name string) error {
	if m.client == nil {
		return ErrNotConnected
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- m.client.List("", "*", mailboxes)
	}()

	exists := false
	for mbox := range mailboxes {
		if strings.EqualFold(mbox.Name, name) {
			exists = true
		}
	}
	if err := <-done; err != nil {
		return fmt.Errorf("failed to list folders: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.client.Create(name); err != nil {
		return fmt.Errorf("failed to create folder '%s': %w", name, err)
	}
	m.logger.Info("created folder", "folder", name)
	return nil
}

// Archive moves messages from folder to the configured archive folder
func (m *Monitor) Archive(ctx context.Context, folder string, uids []uint32) error {
	if m.client == nil {
		return ErrNotConnected
	}
	if len(uids) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if folder == "" {
		folder = m.config.Folder
	}
	dest := m.config.ArchiveFolder
	if err := m.EnsureFolderExists(dest); err != nil {
		return err
	}

	// Fetch selected read-only; archiving needs write access
	if _, err := m.client.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	// Try MOVE first (RFC 6851)
	if err := m.client.UidMove(seqSet, dest); err != nil {
		m.logger.Debug("MOVE not supported, falling back to COPY+DELETE", "error", err)

		if err := m.client.UidCopy(seqSet, dest); err != nil {
			return fmt.Errorf("failed to copy emails to '%s': %w", dest, err)
		}
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		flags := []interface{}{imap.DeletedFlag}
		if err := m.client.UidStore(seqSet, item, flags, nil); err != nil {
			return fmt.Errorf("failed to mark emails as deleted: %w", err)
		}
		if err := m.client.Expunge(nil); err != nil {
			return fmt.Errorf("failed to expunge deleted emails: %w", err)
		}
	}

	m.logger.Info("archived messages", "count", len(uids), "folder", dest)
	return nil
}
