package smtptest

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// sendRaw delivers body through srv with a bare go-smtp client.
func sendRaw(srv *InProcessServer, username string, password string, to string, body string) error {
	c, err := smtp.Dial(srv.Address())
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Auth(sasl.NewPlainClient("", username, password)); err != nil {
		return err
	}
	if err := c.Mail("sender@example.com", nil); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(body)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func TestInProcessServer(t *testing.T) {
	srv := StartServer(t, Plaintext)
	if srv.Port() == 0 || srv.Host() != "127.0.0.1" {
		t.Fatalf("unexpected address %q", srv.Address())
	}

	before := time.Now().UnixNano()
	if err := sendRaw(srv, Username, Password, "a@x.com", "Subject: one\r\n\r\nfirst\r\n"); err != nil {
		t.Fatal(err)
	}

	bodies, err := srv.RetrieveEmails(before)
	if err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 1 || !strings.Contains(bodies[0], "first") {
		t.Fatalf("unexpected bodies %v", bodies)
	}

	after := time.Now().UnixNano()
	bodies, err = srv.RetrieveEmails(after)
	if err != nil {
		t.Fatal(err)
	}
	if len(bodies) != 0 {
		t.Errorf("expected no messages after %v but got %v", after, len(bodies))
	}

	m := srv.Messages()
	if len(m) != 1 || m[0].From != "sender@example.com" || len(m[0].To) != 1 {
		t.Errorf("unexpected envelope %+v", m)
	}
}

func TestInProcessServerRejections(t *testing.T) {
	srv := StartServer(t, Plaintext)
	srv.RejectRecipient("nobody@example.com")

	testCases := []struct {
		description string
		username    string
		password    string
		to          string
	}{
		{description: "wrong password", username: Username, password: "nope", to: "a@x.com"},
		{description: "rejected recipient", username: Username, password: Password, to: "nobody@example.com"},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			if err := sendRaw(srv, tc.username, tc.password, tc.to, "hi\r\n"); err == nil {
				t.Error("expected the server to refuse the message")
			}
		})
	}

	srv.SetCredentials("bot@example.com", "secret")
	if err := sendRaw(srv, Username, Password, "a@x.com", "hi\r\n"); err == nil {
		t.Error("expected the old credentials to stop working")
	}
	if err := sendRaw(srv, "bot@example.com", "secret", "a@x.com", "hi\r\n"); err != nil {
		t.Errorf("expected the new credentials to work: %v", err)
	}

	if n := len(srv.Messages()); n != 1 {
		t.Errorf("expected 1 stored message but got %v", n)
	}
}
