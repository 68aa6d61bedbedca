package server

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginChallenges(t *testing.T) {
	user, err := base64.StdEncoding.DecodeString(LoginUsernameChallenge)
	require.NoError(t, err)
	assert.Equal(t, "Username:", string(user))

	pass, err := base64.StdEncoding.DecodeString(LoginPasswordChallenge)
	require.NoError(t, err)
	assert.Equal(t, "Password:", string(pass))
}

func TestDecodeSASLResponse(t *testing.T) {
	got, err := DecodeSASLResponse(base64.StdEncoding.EncodeToString([]byte("alice@example.com")) + "\r\n")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", string(got))

	got, err = DecodeSASLResponse("=")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = DecodeSASLResponse("*")
	assert.ErrorIs(t, err, ErrSASLCancelled)

	_, err = DecodeSASLResponse("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidBase64)
}

func TestPlainCredentials(t *testing.T) {
	user, pass, err := PlainCredentials([]byte("\x00alice@example.com\x00secret"))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user)
	assert.Equal(t, "secret", pass)

	user, _, err = PlainCredentials([]byte("alice@example.com\x00alice@example.com\x00secret"))
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", user)

	_, _, err = PlainCredentials([]byte("bob@example.com\x00alice@example.com\x00secret"))
	assert.Error(t, err)

	_, _, err = PlainCredentials([]byte("no separators"))
	assert.Error(t, err)
}
