package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePushMode(t *testing.T) {
	m, err := ParsePushMode("private")
	require.NoError(t, err)
	assert.Equal(t, PushModePrivate, m)

	m, err = ParsePushMode(" ALL ")
	require.NoError(t, err)
	assert.Equal(t, PushModeAll, m)

	_, err = ParsePushMode("broadcast")
	assert.Error(t, err)
}

func TestPushMode_Strategies(t *testing.T) {
	assert.True(t, PushModePublic.UsesLogin())
	assert.False(t, PushModePublic.UsesStream())
	assert.False(t, PushModePrivate.UsesLogin())
	assert.True(t, PushModePrivate.UsesStream())
	assert.True(t, PushModeAll.UsesLogin())
	assert.True(t, PushModeAll.UsesStream())
}

func TestParseClientStatus(t *testing.T) {
	st, err := ParseClientStatus("confirmed")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, st)

	_, err = ParseClientStatus("READ")
	assert.Error(t, err)
}

func TestMessage_IsNotification(t *testing.T) {
	assert.True(t, (&Message{MessageType: "notification"}).IsNotification())
	assert.True(t, (&Message{MessageType: TypeNotification}).IsNotification())
	assert.False(t, (&Message{MessageType: TypeSilent}).IsNotification())
	assert.False(t, (&Message{}).IsNotification())
}

func TestMessage_PendingStatus(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want ClientStatus
	}{
		{"received", Message{ClientStatus: StatusReceived}, StatusReceived},
		{"confirmed", Message{ClientStatus: StatusConfirmed}, StatusConfirmed},
		{"error keeps intent", Message{ClientStatus: StatusError, ReportStatus: StatusDeleted}, StatusDeleted},
		{"error without intent", Message{ClientStatus: StatusError}, StatusReceived},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.msg.PendingStatus())
		})
	}
}
