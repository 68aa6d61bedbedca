// Package pop3 implements the POP3 (RFC 1939) retrieval endpoint.
//
// # Server States
//
//	AUTHORIZATION → TRANSACTION → UPDATE
//
// USER and PASS authenticate against the store and take a snapshot of the
// user's INBOX. Message numbers refer to that snapshot for the rest of the
// session and never shift: DELE only marks a message, and deleted messages
// keep their numbers. QUIT enters UPDATE and removes the marked messages in
// one store call. A connection that drops without QUIT removes nothing.
//
// # Starting a POP3 Server
//
//	srv, err := pop3.New(ctx, st, pop3.POP3ServerOptions{Addr: ":110"})
//	if err != nil {
//		return err
//	}
//	go srv.Start(errChan)
//	defer srv.Close()
package pop3
