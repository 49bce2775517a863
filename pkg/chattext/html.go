package chattext

import (
	"fmt"
	"html"
)

// H is HTML that is safe to send with ParseMode="HTML".
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

// Link builds an HTML link.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Mention links to a Telegram user id. An empty name renders as @id.
func Mention(name string, userID int64) H {
	if name == "" {
		name = fmt.Sprintf("@%d", userID)
	}
	return Link(name, fmt.Sprintf("tg://user?id=%d", userID))
}
