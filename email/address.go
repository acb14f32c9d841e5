package email

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

const headerCharset = "UTF-8"

// Single turns one address into an address list. A blank address becomes an
// empty list.
func Single(addr string) []string {
	return normalizeList([]string{addr})
}

// normalizeList drops blank entries and never returns nil.
func normalizeList(addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if strings.TrimSpace(a) == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// maxWordBytes keeps each encoded-word at 60 characters, so a folded header
// line never exceeds 78.
const maxWordBytes = 36

// encodeWords returns s as space-separated B encoded-words. Words are split
// on rune boundaries.
func encodeWords(s string) string {
	var words []string
	for len(s) > 0 {
		n := 0
		for n < len(s) {
			_, size := utf8.DecodeRuneInString(s[n:])
			if n+size > maxWordBytes {
				break
			}
			n += size
		}
		words = append(words, "=?"+headerCharset+"?b?"+base64.StdEncoding.EncodeToString([]byte(s[:n]))+"?=")
		s = s[n:]
	}
	return strings.Join(words, " ")
}

// needsEncoding reports whether s can't go into a header verbatim. Text that
// looks like an encoded-word is encoded too, or it would be decoded on the
// way in.
func needsEncoding(s string) bool {
	if strings.Contains(s, "=?") {
		return true
	}
	for i := 0; i < len(s); i++ {
		if b := s[i]; (b < ' ' || b > '~') && b != '\t' {
			return true
		}
	}
	return false
}

// EncodeSubject returns s as RFC 2047 encoded-words if it contains non-ASCII
// text or anything resembling an encoded-word, and unchanged otherwise.
func EncodeSubject(s string) string {
	if !needsEncoding(s) {
		return s
	}
	return encodeWords(s)
}

// parseAddress splits raw into a display name and a mailbox. The mailbox
// domain is converted to its ASCII form.
func parseAddress(raw string) (*mail.Address, error) {
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("can't parse the address %q: %w", raw, err)
	}

	at := strings.LastIndex(a.Address, "@")
	if at < 0 {
		return a, nil
	}
	domain := a.Address[at+1:]
	if !isASCII(domain) {
		ad, err := idna.Lookup.ToASCII(domain)
		if err != nil {
			return nil, fmt.Errorf("can't convert the domain of %q to ASCII: %w", raw, err)
		}
		a.Address = a.Address[:at+1] + ad
	}
	return a, nil
}

// FormatAddress encodes one address for use in a header. Non-ASCII display
// names become encoded-words, and the result is either "display <mailbox>"
// or a bare mailbox.
func FormatAddress(raw string) (string, error) {
	a, err := parseAddress(raw)
	if err != nil {
		return "", err
	}
	if a.Name == "" {
		return a.Address, nil
	}
	if isASCII(a.Name) {
		// mail.Address quotes the name when it needs quoting
		return a.String(), nil
	}
	return fmt.Sprintf("%s <%s>", encodeWords(a.Name), a.Address), nil
}

// FormatAddressList encodes each address independently and joins them with
// a comma.
func FormatAddressList(addrs []string) (string, error) {
	formatted := make([]string, 0, len(addrs))
	for _, raw := range normalizeList(addrs) {
		f, err := FormatAddress(raw)
		if err != nil {
			return "", err
		}
		formatted = append(formatted, f)
	}
	return strings.Join(formatted, ", "), nil
}

// Mailbox returns only the mailbox part of raw, e.g., for SMTP envelopes.
func Mailbox(raw string) (string, error) {
	a, err := parseAddress(raw)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}

func mailboxes(addrs []string) ([]string, error) {
	out := make([]string, 0, len(addrs))
	for _, raw := range normalizeList(addrs) {
		m, err := Mailbox(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
