package news

import (
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"golang.org/x/net/html"
)

type rssFeed struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title string    `xml:"title"`
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	GUID        string   `xml:"guid"`
	PubDate     string   `xml:"pubDate"`
	Description string   `xml:"description"`
	Encoded     string   `xml:"http://purl.org/rss/1.0/modules/content/ encoded"`
	Categories  []string `xml:"category"`
}

type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID         string         `xml:"id"`
	Title      string         `xml:"title"`
	Links      []atomLink     `xml:"link"`
	Published  string         `xml:"published"`
	Updated    string         `xml:"updated"`
	Summary    string         `xml:"summary"`
	Content    string         `xml:"content"`
	Categories []atomCategory `xml:"category"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

type atomCategory struct {
	Term string `xml:"term,attr"`
}

// maxContentRunes bounds article bodies handed to the model.
const maxContentRunes = 1500

// parseFeed parses RSS 2.0 or Atom into articles.
func parseFeed(data []byte) ([]Article, error) {
	var rss rssFeed
	if err := xml.Unmarshal(data, &rss); err == nil && rss.XMLName.Local == "rss" {
		return rssArticles(&rss), nil
	}

	var atom atomFeed
	if err := xml.Unmarshal(data, &atom); err == nil && atom.XMLName.Local == "feed" {
		return atomArticles(&atom), nil
	}

	return nil, fmt.Errorf("unrecognized feed format (expected RSS 2.0 or Atom)")
}

func rssArticles(rf *rssFeed) []Article {
	out := make([]Article, 0, len(rf.Channel.Items))
	for _, item := range rf.Channel.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		out = append(out, Article{
			Title:       strings.TrimSpace(item.Title),
			Link:        strings.TrimSpace(item.Link),
			PubDate:     parseDate(item.PubDate),
			Description: truncate(stripHTML(item.Description), maxContentRunes),
			Content:     truncate(stripHTML(item.Encoded), maxContentRunes),
			GUID:        guid,
			Categories:  item.Categories,
		})
	}
	return out
}

func atomArticles(af *atomFeed) []Article {
	out := make([]Article, 0, len(af.Entries))
	for _, e := range af.Entries {
		link := ""
		for _, l := range e.Links {
			if l.Rel == "alternate" || l.Rel == "" {
				link = l.Href
				break
			}
		}
		if link == "" && len(e.Links) > 0 {
			link = e.Links[0].Href
		}
		published := e.Published
		if published == "" {
			published = e.Updated
		}
		var cats []string
		for _, c := range e.Categories {
			cats = append(cats, c.Term)
		}
		out = append(out, Article{
			Title:       strings.TrimSpace(e.Title),
			Link:        link,
			PubDate:     parseDate(published),
			Description: truncate(stripHTML(e.Summary), maxContentRunes),
			Content:     truncate(stripHTML(e.Content), maxContentRunes),
			GUID:        e.ID,
			Categories:  cats,
		})
	}
	return out
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// stripHTML returns the text content of an HTML fragment with
// whitespace collapsed. Script and style bodies are dropped.
func stripHTML(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.StartTagToken:
			name, _ := z.TagName()
			if string(name) == "script" || string(name) == "style" {
				skip++
			}
			b.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if (string(name) == "script" || string(name) == "style") && skip > 0 {
				skip--
			}
			b.WriteByte(' ')
		case html.SelfClosingTagToken:
			b.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n])) + "…"
}
