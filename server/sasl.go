package server

import (
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"
)

// AUTH LOGIN challenges, base64 of "Username:" and "Password:".
const (
	LoginUsernameChallenge = "VXNlcm5hbWU6"
	LoginPasswordChallenge = "UGFzc3dvcmQ6"
)

var (
	ErrSASLCancelled = errors.New("authentication cancelled")
	ErrInvalidBase64 = errors.New("invalid base64 data")
)

// DecodeSASLResponse decodes one base64 client response line. A lone "*"
// cancels the exchange and "=" is the empty response.
func DecodeSASLResponse(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "*":
		return nil, ErrSASLCancelled
	case "=", "":
		return []byte{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		return nil, ErrInvalidBase64
	}
	return data, nil
}

// PlainCredentials runs a SASL PLAIN exchange over a single decoded response
// and returns the username and password it carried. An authorization
// identity different from the username is rejected.
func PlainCredentials(response []byte) (username, password string, err error) {
	srv := sasl.NewPlainServer(func(identity, user, pass string) error {
		if identity != "" && identity != user {
			return errors.New("authorization identity mismatch")
		}
		username, password = user, pass
		return nil
	})
	if _, _, err = srv.Next(response); err != nil {
		return "", "", err
	}
	return username, password, nil
}
