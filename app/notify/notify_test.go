package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifierMock struct {
	dest, text string
	err        error
}

func (n *notifierMock) Send(_ context.Context, destination, text string) error {
	n.dest, n.text = destination, text
	return n.err
}

func TestNewService_EmptyDestinations(t *testing.T) {
	assert.Nil(t, NewService(Params{}))
	assert.Nil(t, NewService(Params{EnabledError: true, FromEmail: "a@b.c"}))
}

func TestService_IsOnError(t *testing.T) {
	svc := NewService(Params{EnabledError: true, ToEmails: []string{"to@example.com"}})
	require.NotNil(t, svc)
	assert.True(t, svc.IsOnError())

	svc = NewService(Params{ToEmails: []string{"to@example.com"}})
	require.NotNil(t, svc)
	assert.False(t, svc.IsOnError())
}

func TestService_Send(t *testing.T) {
	svc := NewService(Params{ToEmails: []string{"to@example.com", "to2@example.com"},
		FromEmail: "from@example.com", TimeOut: time.Second})
	require.NotNil(t, svc)

	mock := &notifierMock{}
	svc.notifier = mock
	require.NoError(t, svc.Send(context.Background(), "cleanup failed", "some text"))
	assert.Equal(t, "mailto:to@example.com,to2@example.com?from=from%40example.com&subject=cleanup+failed", mock.dest)
	assert.Equal(t, "some text", mock.text)

	mock.err = errors.New("smtp down")
	err := svc.Send(context.Background(), "subj", "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp down")
}

func TestMakeErrorHTML(t *testing.T) {
	res, err := MakeErrorHTML("download", "https://example.com/v1", "host1", "executor exited 1")
	require.NoError(t, err)
	assert.Contains(t, res, "vidvault download failed on <b>host1</b>")
	assert.Contains(t, res, "<li>Subject: <b>https://example.com/v1</b></li>")
	assert.Contains(t, res, "executor exited 1")
}
