// Package smtp implements the inbound SMTP listener.
//
// Sessions move through CONNECTED, GREETED, the two AUTH LOGIN wait states,
// MAIL_FROM_RECEIVED, RCPT_TO_RECEIVED and DATA_RECEIVING. Mail is accepted
// only from authenticated clients and only for local recipients; each
// recipient gets its own copy in INBOX through the delivery package.
package smtp
