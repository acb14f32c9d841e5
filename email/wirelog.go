package email

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog"
)

// wireLogger logs every protocol line go-smtp reads or writes. Partial lines
// are held until their line break arrives.
type wireLogger struct {
	logger zerolog.Logger
	buf    []byte
}

func (w *wireLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Debug().
			Str("line", strings.TrimRight(string(w.buf[:i]), "\r")).
			Msg("smtp wire")
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}
