package server

import (
	"strings"
)

// Reply is a single FTP response: a three digit code and one or more text
// lines. Replies with more than one line are rendered in the RFC 959
// continuation format (first line "NNN-text", final line "NNN text").
type Reply struct {
	Code  int
	Lines []string
}

// newReply creates a single-line reply.
func newReply(code int, text string) Reply {
	return Reply{Code: code, Lines: []string{text}}
}

// newMultilineReply creates a reply spanning several lines.
func newMultilineReply(code int, lines ...string) Reply {
	return Reply{Code: code, Lines: lines}
}

// none is the empty reply. Handlers return it when the response is produced
// elsewhere (e.g. delivered asynchronously through the event bus).
var none = Reply{}

// empty reports whether the reply carries nothing to send.
func (r Reply) empty() bool {
	return r.Code == 0
}

// sanitizeLine strips bare CR and LF from a reply line. A line containing
// either would break the control-channel framing, so violations are mapped
// to spaces.
func sanitizeLine(line string) string {
	if !strings.ContainsAny(line, "\r\n") {
		return line
	}
	line = strings.ReplaceAll(line, "\r", " ")
	return strings.ReplaceAll(line, "\n", " ")
}

// String renders the reply in wire format, CRLF line endings included.
func (r Reply) String() string {
	var b strings.Builder

	if len(r.Lines) <= 1 {
		text := ""
		if len(r.Lines) == 1 {
			text = sanitizeLine(r.Lines[0])
		}
		b.WriteString(itoa3(r.Code))
		b.WriteByte(' ')
		b.WriteString(text)
		b.WriteString("\r\n")
		return b.String()
	}

	for i, line := range r.Lines {
		line = sanitizeLine(line)
		switch {
		case i == 0:
			b.WriteString(itoa3(r.Code))
			b.WriteByte('-')
			b.WriteString(line)
		case i == len(r.Lines)-1:
			b.WriteString(itoa3(r.Code))
			b.WriteByte(' ')
			b.WriteString(line)
		default:
			b.WriteByte(' ')
			b.WriteString(line)
		}
		b.WriteString("\r\n")
	}
	return b.String()
}

// itoa3 formats a reply code as exactly three digits.
func itoa3(code int) string {
	return string([]byte{
		byte('0' + code/100%10),
		byte('0' + code/10%10),
		byte('0' + code%10),
	})
}
