package smtptest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/flashmob/go-guerrilla/tests/testcert"
)

// GenerateTLSFiles writes a TLS key and certificate to a temporary test
// directory that is removed after the test runs. It returns the file
// paths of the key and certificate. The certificate is a root cert.
func GenerateTLSFiles(t testing.TB) (keyPath string, certPath string, err error) {
	host := "127.0.0.1"
	d := t.TempDir() + string(filepath.Separator)
	err = testcert.GenerateCert(
		host,
		"",                         // defaults to now
		time.Duration(1)*time.Hour, // the test suite won't run for this long
		true,                       // is a CA cert
		2048,                       // usually seen in online tutorials
		"",                         // RSA rather than an ECDSA curve
		d,
	)

	if err != nil {
		return
	}

	// These file names are hardcoded into testcert.GenerateCert
	keyPath = d + host + ".key.pem"
	certPath = d + host + ".cert.pem"

	return
}

// StartServer generates TLS material, starts an InProcessServer in the given
// mode and registers its shutdown with t.Cleanup.
func StartServer(t testing.TB, mode Mode) *InProcessServer {
	t.Helper()

	k, c, err := GenerateTLSFiles(t)
	if err != nil {
		t.Fatalf("can't generate TLS files for the test SMTP server: %v", err)
	}

	srv := NewInProcessServer(k, c, mode)
	if err := srv.Start(); err != nil {
		t.Fatalf("can't start the test SMTP server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}
