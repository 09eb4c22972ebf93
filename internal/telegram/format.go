package telegram

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// maxMessageLen is Telegram's limit for a single text message.
const maxMessageLen = 4096

// inlineTags are the HTML tags Telegram accepts in ModeHTML.
var inlineTags = map[string]string{
	"b": "b", "strong": "b",
	"i": "i", "em": "i",
	"u": "u", "ins": "u",
	"s": "s", "strike": "s", "del": "s",
	"code": "code", "pre": "pre",
	"blockquote": "blockquote",
}

// renderHTML converts Markdown from the model into the HTML subset
// Telegram understands. Unsupported elements are reduced to text.
func renderHTML(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return sanitize(buf.String()), nil
}

func sanitize(src string) string {
	var out strings.Builder
	z := html.NewTokenizer(strings.NewReader(src))
	var listDepth, preDepth int

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(collapseBlankLines(out.String()))

		case html.TextToken:
			text := string(z.Text())
			// Newlines between block elements are markup, not content.
			if preDepth == 0 && strings.TrimSpace(text) == "" && strings.Contains(text, "\n") {
				continue
			}
			out.WriteString(html.EscapeString(text))

		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				if href := attr(tok, "href"); href != "" {
					out.WriteString(`<a href="` + html.EscapeString(href) + `">`)
				} else {
					out.WriteString("<a>")
				}
			case "br":
				out.WriteString("\n")
			case "ul", "ol":
				listDepth++
			case "li":
				out.WriteString(strings.Repeat("  ", max(listDepth-1, 0)) + "• ")
			case "h1", "h2", "h3", "h4", "h5", "h6":
				out.WriteString("<b>")
			case "hr":
				out.WriteString("\n")
			case "pre":
				preDepth++
				out.WriteString("<pre>")
			default:
				if t, ok := inlineTags[tok.Data]; ok {
					out.WriteString("<" + t + ">")
				}
			}

		case html.EndTagToken:
			tok := z.Token()
			switch tok.Data {
			case "a":
				out.WriteString("</a>")
			case "p":
				out.WriteString("\n\n")
			case "ul", "ol":
				listDepth--
				out.WriteString("\n")
			case "li":
				out.WriteString("\n")
			case "h1", "h2", "h3", "h4", "h5", "h6":
				out.WriteString("</b>\n\n")
			case "pre":
				preDepth--
				out.WriteString("</pre>\n\n")
			case "blockquote":
				out.WriteString("</blockquote>\n\n")
			default:
				if t, ok := inlineTags[tok.Data]; ok {
					out.WriteString("</" + t + ">")
				}
			}
		}
	}
}

func attr(tok html.Token, name string) string {
	for _, a := range tok.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func collapseBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// split breaks text into chunks Telegram will accept, preferring line
// boundaries.
func split(text string, limit int) []string {
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			// Do not split inside a UTF-8 sequence.
			for cut > 0 && text[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
