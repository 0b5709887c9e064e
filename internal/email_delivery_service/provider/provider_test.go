package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
)

func TestRegistry_Get(t *testing.T) {
	mock := NewMockEmailProvider(discardLogger(), "mock", 0)
	smtpP := NewSMTPEmailProvider(discardLogger(), "localhost", 25, "", "", "a@b.io")
	reg := NewRegistry("mock", mock, smtpP)

	p, err := reg.Get("")
	require.NoError(t, err)
	assert.Same(t, mock, p)

	p, err = reg.Get("smtp")
	require.NoError(t, err)
	assert.Equal(t, "smtp", p.Name())

	_, err = reg.Get("ses")
	assert.ErrorIs(t, err, domain.ErrProviderNotFound)
	assert.Equal(t, []string{"mock", "smtp"}, reg.Names())
}

func TestMockEmailProvider(t *testing.T) {
	mock := NewMockEmailProvider(discardLogger(), "", 0)

	id, err := mock.Send(context.Background(), Message{To: "a@x.io"})
	require.NoError(t, err)
	assert.Contains(t, id, "mock-")
	assert.Len(t, mock.Sent(), 1)

	boom := errors.New("boom")
	mock.FailWith(boom)
	_, err = mock.Send(context.Background(), Message{To: "b@x.io"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, mock.Sent(), 1)
}
