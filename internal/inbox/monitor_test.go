package inbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egcx/egcx/internal/config"
)

const rawMessage = "From: Example Store <gifts@merchant.example>\r\n" +
	"To: Me <me@example.com>\r\n" +
	"Subject: You've received an eGift card\r\n" +
	"Date: Fri, 01 Mar 2024 09:30:00 +0000\r\n" +
	"Message-ID: <abc123@merchant.example>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"View your gift: https://cards.example/v/1\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<a href=\"https://cards.example/v/1\">View your gift</a>\r\n" +
	"--b1--\r\n"

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage(strings.NewReader(rawMessage))
	require.NoError(t, err)

	assert.Equal(t, "abc123@merchant.example", msg.MessageID)
	assert.Equal(t, "gifts@merchant.example", msg.From)
	assert.Equal(t, "me@example.com", msg.To)
	assert.Equal(t, "You've received an eGift card", msg.Subject)
	assert.True(t, msg.ReceivedAt.Equal(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)))
	assert.Contains(t, msg.HTMLBody, `href="https://cards.example/v/1"`)
	assert.Contains(t, msg.TextBody, "View your gift")

	links, err := NewDiscoverer(nil).Discover(msg.HTMLBody)
	require.NoError(t, err)
	assert.Equal(t, []Link{{URL: "https://cards.example/v/1", Method: MethodView}}, links)
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	var err error = &ConnectionError{Server: "imap.example.com:993", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "imap.example.com:993")
}

func TestMonitorRequiresConnection(t *testing.T) {
	m := NewMonitor(config.InboxConfig{Folder: "INBOX"}, nil)

	_, err := m.Fetch(context.Background(), Filter{From: "gifts@merchant.example"})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, m.Archive(context.Background(), "", []uint32{1}), ErrNotConnected)
	assert.NoError(t, m.Disconnect())
}
