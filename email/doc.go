// Package email is responsible for sending email to an SMTP relay, including
// connecting to the server, negotiating TLS and authentication, and building
// a MIME-formatted message with attachments and inline images. It is not
// designed to represent the user-facing content of an email, and includes
// this content in message bodies regardless of what it contains.
//
// A Transport owns exactly one connection. Callers open one per unit of work
// and release it when that work is done, whether or not sending succeeded.
// Failures during a send never escape as errors: they come back as a Result
// with an ErrorKind and a diagnostic.
package email
