package imap

import (
	"errors"
	"strings"

	"github.com/litongjava/tio-mail-wing/consts"
	"github.com/litongjava/tio-mail-wing/server"
)

func (s *IMAPSession) handleLogin(tag, rest string) error {
	args, err := server.Tokenize(rest)
	if err != nil || len(args) != 2 {
		s.bad(tag, "login arguments invalid")
		return server.Errorf(server.KindMalformed, "LOGIN expects 2 arguments")
	}
	return s.authenticate(tag, cmdLOGIN, argument(args[0]), argument(args[1]))
}

func (s *IMAPSession) handleAuthenticate(tag, rest string) error {
	mech, initial, _ := strings.Cut(strings.TrimSpace(rest), " ")
	mech = strings.ToUpper(mech)
	if mech != "LOGIN" && mech != "PLAIN" {
		s.bad(tag, "Unsupported authentication mechanism")
		return server.Errorf(server.KindMalformed, "unsupported mechanism %q", mech)
	}

	s.authTag = tag
	s.authMech = mech
	if mech == "LOGIN" {
		s.state = stateAuthWaitUsername
	} else {
		s.state = stateAuthWaitPassword
	}
	if initial = strings.TrimSpace(initial); initial != "" {
		return s.handleAuthResponse(initial)
	}
	if mech == "LOGIN" {
		s.writer.WriteString("+ " + server.LoginUsernameChallenge + "\r\n")
	} else {
		s.writer.WriteString("+ \r\n")
	}
	return nil
}

// handleAuthResponse consumes one continuation line of AUTHENTICATE.
func (s *IMAPSession) handleAuthResponse(line string) error {
	tag := s.authTag
	data, err := server.DecodeSASLResponse(line)
	if err != nil {
		s.resetAuth()
		if errors.Is(err, server.ErrSASLCancelled) {
			s.bad(tag, "AUTHENTICATE cancelled")
		} else {
			s.bad(tag, "Invalid base64 data")
		}
		return server.Errorf(server.KindMalformed, "auth response: %v", err)
	}

	switch {
	case s.state == stateAuthWaitUsername:
		s.authUsername = string(data)
		s.state = stateAuthWaitPassword
		s.writer.WriteString("+ " + server.LoginPasswordChallenge + "\r\n")
		return nil

	case s.authMech == "PLAIN":
		username, password, err := server.PlainCredentials(data)
		if err != nil {
			s.resetAuth()
			s.server.base.RecordAuth(err)
			s.no(tag, cmdAUTHENTICATE, "Authentication failed")
			return &server.ProtocolError{Kind: server.KindAuth, Msg: "Authentication failed", Err: err}
		}
		s.resetAuth()
		return s.authenticate(tag, cmdAUTHENTICATE, username, password)

	default:
		username := s.authUsername
		s.resetAuth()
		return s.authenticate(tag, cmdAUTHENTICATE, username, string(data))
	}
}

func (s *IMAPSession) resetAuth() {
	s.state = stateNotAuthenticated
	s.authTag = ""
	s.authMech = ""
	s.authUsername = ""
}

func (s *IMAPSession) authenticate(tag string, cmd command, username, password string) error {
	address, err := server.NewAddress(username)
	if err != nil {
		s.server.base.RecordAuth(err)
		s.no(tag, cmd, "Authentication failed")
		return &server.ProtocolError{Kind: server.KindAuth, Msg: "Authentication failed", Err: err}
	}

	s.Log("authentication attempt for %s", address.FullAddress())
	userID, err := s.server.store.Authenticate(s.ctx, address.FullAddress(), password)
	s.server.base.RecordAuth(err)
	if err != nil {
		if server.Classify(err) != server.KindAuth {
			s.WarnLog("authentication error: %v", err)
			s.bad(tag, consts.ErrInternalError.Error())
			return err
		}
		s.Log("authentication failed")
		s.no(tag, cmd, "Authentication failed")
		return err
	}

	s.User = server.NewUser(address, userID)
	s.state = stateAuthenticated
	authCount := s.server.base.AuthenticatedInc()
	s.Log("authenticated (connections: total=%d, authenticated=%d)", s.server.base.GetTotalConnections(), authCount)
	s.ok(tag, cmd.String()+" completed.")
	return nil
}
