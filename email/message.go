package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/google/uuid"
	gomail "gopkg.in/gomail.v2"
)

const (
	crlf = "\r\n"
	// charset parameter of text parts
	bodyCharset = "utf-8"
)

// Attachment is a file attached to an HTML message.
type Attachment struct {
	Filename string
	Content  []byte
}

// InlineImage is a PNG image that the HTML body references with a
// "cid:<ContentID>" URL.
type InlineImage struct {
	ContentID string
	Content   []byte
}

// Message is the content of one email, independent of who sends it and to
// whom. Build it with NewTextMessage or NewHTMLMessage. Addressing headers
// are added by Transport.Send.
type Message struct {
	Subject      string
	Body         string
	HTML         bool
	Attachments  []Attachment
	InlineImages []InlineImage
}

// NewTextMessage returns a UTF-8 plain text message.
func NewTextMessage(subject string, body string) *Message {
	return &Message{
		Subject:      subject,
		Body:         body,
		Attachments:  []Attachment{},
		InlineImages: []InlineImage{},
	}
}

// NewHTMLMessage returns a multipart message whose first part is the HTML
// body, followed by files and then images in the order given. Either list
// may be nil.
func NewHTMLMessage(subject string, html string, files []Attachment, images []InlineImage) *Message {
	m := &Message{
		Subject:      subject,
		Body:         html,
		HTML:         true,
		Attachments:  make([]Attachment, len(files)),
		InlineImages: make([]InlineImage, len(images)),
	}
	copy(m.Attachments, files)
	copy(m.InlineImages, images)
	return m
}

// PartCount returns the number of MIME parts the message body will have.
func (m *Message) PartCount() int {
	if !m.HTML {
		return 1
	}
	return 1 + len(m.Attachments) + len(m.InlineImages)
}

// addressing holds header values that have already been encoded.
type addressing struct {
	From string
	To   string
	Cc   string
	// Domain used for the right-hand side of the Message-ID
	Domain string
	Date   time.Time
}

// build turns m into a gomail message with the given addressing headers.
// Files and images follow the body in the order given, as parts of one
// multipart/mixed body.
func (m *Message) build(a addressing) (*gomail.Message, error) {
	g := gomail.NewMessage(
		gomail.SetCharset(bodyCharset),
		gomail.SetEncoding(gomail.Base64),
	)

	domain := a.Domain
	if domain == "" {
		domain = "localhost"
	}
	date := a.Date
	if date.IsZero() {
		date = time.Now()
	}

	// Values are already encoded, so gomail leaves them as they are and
	// only folds them.
	headers := [][2]string{
		{"From", a.From},
		{"To", a.To},
		{"Cc", a.Cc},
		{"Subject", EncodeSubject(m.Subject)},
	}
	for _, h := range headers {
		if h[1] == "" {
			continue
		}
		g.SetHeader(h[0], h[1])
	}
	g.SetDateHeader("Date", date)
	g.SetHeader("Message-ID", fmt.Sprintf("<%v@%v>", uuid.NewString(), domain))

	if !m.HTML {
		g.SetBody("text/plain", m.Body)
		return g, nil
	}
	g.SetBody("text/html", m.Body)

	for _, f := range m.Attachments {
		disp := mime.FormatMediaType("attachment", map[string]string{"filename": f.Filename})
		if disp == "" {
			return nil, fmt.Errorf("can't encode the attachment filename %q", f.Filename)
		}
		g.Attach(
			f.Filename,
			gomail.SetCopyFunc(copyBytes(f.Content)),
			gomail.SetHeader(map[string][]string{
				"Content-Type":        {"application/octet-stream"},
				"Content-Disposition": {disp},
			}),
		)
	}

	// Images are attached rather than embedded so they keep their place
	// after the files instead of moving into a multipart/related part.
	for _, img := range m.InlineImages {
		if strings.ContainsAny(img.ContentID, crlf) {
			return nil, fmt.Errorf("content ID %q contains a line break", img.ContentID)
		}
		g.Attach(
			img.ContentID,
			gomail.SetCopyFunc(copyBytes(img.Content)),
			gomail.SetHeader(map[string][]string{
				"Content-Type":        {"image/png"},
				"Content-Disposition": {"inline"},
				"Content-ID":          {img.ContentID},
			}),
		)
	}

	return g, nil
}

// compose serializes m with the given addressing headers.
func (m *Message) compose(a addressing) ([]byte, error) {
	g, err := m.build(a)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := g.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func copyBytes(b []byte) func(io.Writer) error {
	return func(w io.Writer) error {
		_, err := w.Write(b)
		return err
	}
}
