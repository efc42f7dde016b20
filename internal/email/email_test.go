package email

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egcx/egcx/internal/config"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"me@example.com", false},
		{"Me <me@example.com>", false},
		{"not-an-address", true},
		{"a@example.com\r\nBcc: x@evil.example", true},
		{"a@example.com, b@example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := ValidateEmail(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	msg := Message{
		From:    "egcx@example.com",
		To:      "me@example.com",
		Subject: "egcx: 2 cards extracted",
		Body:    "Example Store: ****7890, $50.00",
	}
	raw, id, err := compose(msg, time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, msg.Subject, subject)

	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 1)
	assert.Equal(t, "me@example.com", to[0].Address)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, msg.Body, string(body))
}

func TestSendRejectsBeforeDialing(t *testing.T) {
	s := NewSMTPSender(config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u"})

	res := s.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com", Subject: "x"})
	assert.False(t, res.Success)
	assert.EqualError(t, res.Error, "SMTP auth requires TLS")

	res = s.Send(context.Background(), Message{From: "a@example.com", To: "b@example.com", Subject: "x\r\nBcc: c@example.com"})
	assert.False(t, res.Success)
	assert.Error(t, res.Error)
}

func TestNewSender(t *testing.T) {
	_, err := NewSender(config.NotifyConfig{})
	assert.Error(t, err)

	s, err := NewSender(config.NotifyConfig{SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 465, UseTLS: true}})
	require.NoError(t, err)
	assert.Equal(t, "smtp", s.Name())
}
