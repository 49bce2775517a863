package router

import (
	"strings"

	"github.com/google/uuid"
)

func newReqID() string { return uuid.NewString()[:8] }

// tokenizeCommandLine splits command text into tokens while supporting quotes.
// Examples:
//
//	charge sub "North Gate" 60 2
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar byte
		esc   bool
	)
	flush := func() {
		if buf.Len() > 0 {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"', '\'':
			inQ = true
			qChar = ch
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteByte(ch)
		}
	}
	flush()
	return out
}

// parseCommand recognizes "<prefix> <verb> args..." and "/<verb> args...".
// A bare prefix yields the help verb. ok is false for ordinary chat text.
func parseCommand(text, prefix string) (verb string, args []string, ok bool) {
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return "", nil, false
	}
	head := parts[0]
	rest := parts[1:]

	if strings.HasPrefix(head, "/") {
		head = strings.TrimPrefix(head, "/")
		if i := strings.IndexByte(head, '@'); i >= 0 {
			head = head[:i]
		}
		if head == "" {
			return "", nil, false
		}
		if !strings.EqualFold(head, prefix) {
			return strings.ToLower(head), rest, true
		}
	} else if !strings.EqualFold(head, prefix) {
		return "", nil, false
	}

	if len(rest) == 0 {
		return "help", nil, true
	}
	return strings.ToLower(rest[0]), rest[1:], true
}
