package socket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisconnectReason(t *testing.T) {
	tests := []struct {
		reason   DisconnectReason
		terminal bool
		name     string
	}{
		{ReasonLoggedOut, true, "logged_out"},
		{ReasonBanned, true, "banned"},
		{ReasonConnectionLost, false, "connection_lost"},
		{ReasonReplaced, false, "replaced"},
		{DisconnectReason(99), false, "unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.reason.IsTerminal())
			assert.Equal(t, tc.name, tc.reason.String())
		})
	}
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "connection.update", Name(ConnectionUpdate{}))
	assert.Equal(t, "creds.update", Name(CredentialsUpdate{}))
	assert.Equal(t, "messages.upsert", Name(MessagesUpsert{}))
	assert.Equal(t, "contacts.update", Name(ContactsUpdate{}))
	assert.Equal(t, "groups.update", Name(GroupsUpdate{}))
}

func TestParseRecipient(t *testing.T) {
	jid, err := parseRecipient("2348012345678")
	assert.NoError(t, err)
	assert.Equal(t, "2348012345678@s.whatsapp.net", jid.String())

	jid, err = parseRecipient("120363000000000000@g.us")
	assert.NoError(t, err)
	assert.Equal(t, "g.us", jid.Server)
}

func TestSameUser(t *testing.T) {
	assert.True(t, sameUser("111@s.whatsapp.net", "111@s.whatsapp.net"))
	assert.False(t, sameUser("111@s.whatsapp.net", "222@s.whatsapp.net"))
}
