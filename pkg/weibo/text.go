package weibo

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const locationIcon = "timeline_card_small_location_default.png"

// Markup is what the parser extracts from the HTML body of a post
type Markup struct {
	Plain      string
	ArticleURL string
	Location   string
	Topics     []string
	AtUsers    []string
}

var invisible = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "")

// Scrub removes zero-width characters the API sprinkles into strings
func Scrub(s string) string {
	return invisible.Replace(s)
}

// AnalyzeText parses a post body. Plain joins the text fragments with
// newlines, except that a fragment starting with @ or # is glued to its
// neighbours so mentions and topics stay on one line.
func AnalyzeText(body string) Markup {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return Markup{Plain: Scrub(body)}
	}

	var (
		texts []string
		spans []*html.Node
		links []*html.Node
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			texts = append(texts, n.Data)
		case n.Type == html.ElementNode && n.Data == "span":
			spans = append(spans, n)
		case n.Type == html.ElementNode && n.Data == "a":
			links = append(links, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	m := Markup{Plain: Scrub(mergeFragments(texts))}
	full := strings.Join(texts, "")

	if strings.HasPrefix(full, "发布了头条文章") && len(links) > 0 {
		if u := attr(links[0], "data-url"); strings.HasPrefix(u, "http://t.cn") {
			m.ArticleURL = u
		}
	}

	for i, span := range spans {
		if m.Location == "" && i+1 < len(spans) && hasLocationIcon(span) {
			m.Location = Scrub(textContent(spans[i+1]))
		}
		if attr(span, "class") == "surl-text" {
			t := textContent(span)
			if utf8.RuneCountInString(t) > 2 && strings.HasPrefix(t, "#") && strings.HasSuffix(t, "#") {
				m.Topics = append(m.Topics, Scrub(t[1:len(t)-1]))
			}
		}
	}

	for _, a := range links {
		href := attr(a, "href")
		if len(href) < 3 {
			continue
		}
		t := textContent(a)
		if t == "@"+href[3:] {
			m.AtUsers = append(m.AtUsers, Scrub(t[1:]))
		}
	}
	return m
}

// StripTags drops every tag and newline from a comment body
func StripTags(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return strings.TrimSpace(body)
	}
	return Scrub(strings.TrimSpace(strings.ReplaceAll(textContent(doc), "\n", "")))
}

func mergeFragments(texts []string) string {
	merged := make([]string, 0, len(texts))
	for i, t := range texts {
		if i > 0 && (isTag(texts[i-1]) || isTag(t)) {
			merged[len(merged)-1] += t
			continue
		}
		merged = append(merged, t)
	}
	return strings.Join(merged, "\n")
}

func isTag(s string) bool {
	return strings.HasPrefix(s, "@") || strings.HasPrefix(s, "#")
}

func hasLocationIcon(span *html.Node) bool {
	for c := span.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "img" {
			return strings.Contains(attr(c, "src"), locationIcon)
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
