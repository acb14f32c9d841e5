package email

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAddressing = addressing{
	From:   "sender@example.com",
	To:     "a@x.com",
	Domain: "example.com",
	Date:   time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC),
}

// part is a decoded MIME part of a composed message.
type part struct {
	header  map[string][]string
	content []byte
}

// readParts parses a composed multipart message and decodes every part.
func readParts(t *testing.T, raw []byte) (*mail.Message, []part) {
	t.Helper()

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	mt, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mt)

	rdr := multipart.NewReader(msg.Body, params["boundary"])
	var parts []part
	for {
		p, err := rdr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)

		b, err := io.ReadAll(p)
		require.NoError(t, err)
		require.Equal(t, "base64", p.Header.Get("Content-Transfer-Encoding"))
		dec, err := base64.StdEncoding.DecodeString(string(b))
		require.NoError(t, err)

		parts = append(parts, part{header: p.Header, content: dec})
	}
	return msg, parts
}

func TestComposeHTMLWithAttachments(t *testing.T) {
	files := []Attachment{
		{Filename: "report.pdf", Content: []byte("%PDF-1.4 not really")},
		{Filename: "données 2024.csv", Content: bytes.Repeat([]byte("a,b,c\n"), 100)},
	}
	images := []InlineImage{
		{ContentID: "logo", Content: []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}},
	}
	html := `<html><body><p>Héllo</p><img src="cid:logo"></body></html>`

	m := NewHTMLMessage("Quarterly report", html, files, images)
	assert.Equal(t, 4, m.PartCount())

	raw, err := m.compose(testAddressing)
	require.NoError(t, err)

	msg, parts := readParts(t, raw)
	require.Len(t, parts, 1+len(files)+len(images))

	assert.Equal(t, "1.0", msg.Header.Get("MIME-Version"))
	assert.Equal(t, "Quarterly report", msg.Header.Get("Subject"))
	assert.True(t, strings.HasSuffix(msg.Header.Get("Message-ID"), "@example.com>"))

	assert.Equal(t, "text/html; charset=utf-8", parts[0].header["Content-Type"][0])
	assert.Equal(t, html, string(parts[0].content))

	for i, f := range files {
		p := parts[1+i]
		assert.Equal(t, "application/octet-stream", p.header["Content-Type"][0])
		disp, params, err := mime.ParseMediaType(p.header["Content-Disposition"][0])
		require.NoError(t, err)
		assert.Equal(t, "attachment", disp)
		assert.Equal(t, f.Filename, params["filename"])
		assert.Equal(t, f.Content, p.content)
	}

	img := parts[3]
	assert.Equal(t, "image/png", img.header["Content-Type"][0])
	assert.Equal(t, []string{"logo"}, img.header["Content-Id"])
	assert.Equal(t, images[0].Content, img.content)
}

func TestComposeHTMLWithoutExtras(t *testing.T) {
	m := NewHTMLMessage("Hi", "<p>hi</p>", nil, nil)
	assert.NotNil(t, m.Attachments)
	assert.NotNil(t, m.InlineImages)
	assert.Equal(t, 1, m.PartCount())

	raw, err := m.compose(testAddressing)
	require.NoError(t, err)

	// a lone body isn't wrapped in a multipart container
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "text/html; charset=utf-8", msg.Header.Get("Content-Type"))

	b, err := io.ReadAll(msg.Body)
	require.NoError(t, err)
	dec, err := base64.StdEncoding.DecodeString(string(b))
	require.NoError(t, err)
	assert.Equal(t, "<p>hi</p>", string(dec))
}

func TestComposeText(t *testing.T) {
	body := "Hi there\nÇa va?"
	m := NewTextMessage("Hello", body)
	assert.Equal(t, 1, m.PartCount())

	a := testAddressing
	a.Cc = "c@x.com"
	raw, err := m.compose(a)
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	assert.Equal(t, "text/plain; charset=utf-8", msg.Header.Get("Content-Type"))
	assert.Equal(t, "a@x.com", msg.Header.Get("To"))
	assert.Equal(t, "c@x.com", msg.Header.Get("Cc"))
	assert.Equal(t, "sender@example.com", msg.Header.Get("From"))

	d, err := msg.Header.Date()
	require.NoError(t, err)
	assert.True(t, d.Equal(testAddressing.Date))

	b, err := io.ReadAll(msg.Body)
	require.NoError(t, err)
	dec, err := base64.StdEncoding.DecodeString(string(b))
	require.NoError(t, err)
	assert.Equal(t, body, string(dec))
}

func TestComposeOmitsEmptyHeaders(t *testing.T) {
	raw, err := NewTextMessage("Hello", "body").compose(addressing{To: "a@x.com"})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)
	_, ok := msg.Header["Cc"]
	assert.False(t, ok, "expected no Cc header")
	assert.True(t, strings.HasSuffix(msg.Header.Get("Message-ID"), "@localhost>"))
}

// assertLineLength fails if any line of raw is longer than 78 characters.
func assertLineLength(t *testing.T, raw []byte) {
	t.Helper()
	for i, line := range strings.Split(string(raw), crlf) {
		if len(line) > 78 {
			t.Fatalf("line %v has %v characters: %q", i+1, len(line), line)
		}
	}
}

func TestComposeLineLength(t *testing.T) {
	big := bytes.Repeat([]byte{0xff, 0x00, 0x7f}, 4096)
	m := NewHTMLMessage("Hi", strings.Repeat("<p>long line</p>", 500), []Attachment{{Filename: "blob.bin", Content: big}}, nil)

	raw, err := m.compose(testAddressing)
	require.NoError(t, err)

	assertLineLength(t, raw)

	_, parts := readParts(t, raw)
	require.Len(t, parts, 2)
	assert.Equal(t, big, parts[1].content)
}

func TestComposeRejectsBrokenContentID(t *testing.T) {
	m := NewHTMLMessage("Hi", "<p>hi</p>", nil, []InlineImage{{ContentID: "a\r\nBcc: x@y.com", Content: []byte{1}}})
	_, err := m.compose(testAddressing)
	assert.Error(t, err)
}

func TestComposeFoldsHeaders(t *testing.T) {
	var raws []string
	for i := 0; i < 60; i++ {
		raws = append(raws, fmt.Sprintf("Empfänger %v <r%v@example.com>", i, i))
	}
	to, err := FormatAddressList(raws)
	require.NoError(t, err)

	subject := strings.Repeat("Grüße ", 200)
	a := testAddressing
	a.To = to
	raw, err := NewTextMessage(subject, "body").compose(a)
	require.NoError(t, err)
	assertLineLength(t, raw)

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	require.NoError(t, err)

	got, err := msg.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, got, len(raws))
	for i, addr := range got {
		assert.Equal(t, fmt.Sprintf("Empfänger %v", i), addr.Name)
		assert.Equal(t, fmt.Sprintf("r%v@example.com", i), addr.Address)
	}

	dec, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, subject, dec)
}
