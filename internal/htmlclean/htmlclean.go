// Package htmlclean reduces a scraped page to the markup worth sending to a
// language model: executable and decorative elements, comments, and
// discussion sections are removed, and the result is capped to a token budget.
package htmlclean

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// strippedElements are removed along with their content.
var strippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Link:     true,
	atom.Meta:     true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Canvas:   true,
}

// discussionPattern matches id/class values of comment and review sections.
var discussionPattern = regexp.MustCompile(`(?i)(^|[\s_-])(comments?|comment-list|reviews?|review-list|ratings-list|discussion|disqus|respond|replies|reply)($|[\s_-])`)

// keptAttributes survive cleaning; everything else (inline styles, event
// handlers, tracking data attributes) is dropped.
var keptAttributes = map[string]bool{
	"itemprop":  true,
	"itemtype":  true,
	"itemscope": true,
	"datetime":  true,
	"content":   true,
	"alt":       true,
	"type":      true,
}

// Clean parses r and renders the cleaned document.
func Clean(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}

	prune(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return "", fmt.Errorf("failed to render html: %w", err)
	}
	return collapseWhitespace(buf.String()), nil
}

// CleanString is Clean for in-memory content.
func CleanString(s string) (string, error) {
	return Clean(strings.NewReader(s))
}

func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if shouldRemove(c) {
			n.RemoveChild(c)
		} else {
			if c.Type == html.ElementNode {
				c.Attr = filterAttributes(c)
			}
			prune(c)
		}
		c = next
	}
}

func shouldRemove(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return true
	case html.ElementNode:
		if n.DataAtom == atom.Script && isStructuredData(n) {
			return false
		}
		if strippedElements[n.DataAtom] {
			return true
		}
		return isDiscussion(n)
	}
	return false
}

// isStructuredData reports whether a script element carries JSON-LD, which
// recipe sites use to publish schema.org Recipe data.
func isStructuredData(n *html.Node) bool {
	for _, a := range n.Attr {
		if a.Key == "type" && strings.EqualFold(strings.TrimSpace(a.Val), "application/ld+json") {
			return true
		}
	}
	return false
}

func isDiscussion(n *html.Node) bool {
	for _, a := range n.Attr {
		if (a.Key == "id" || a.Key == "class") && discussionPattern.MatchString(a.Val) {
			return true
		}
	}
	return false
}

func filterAttributes(n *html.Node) []html.Attribute {
	if len(n.Attr) == 0 {
		return n.Attr
	}
	kept := n.Attr[:0]
	for _, a := range n.Attr {
		if keptAttributes[a.Key] {
			kept = append(kept, a)
		}
	}
	return kept
}

var whitespaceRun = regexp.MustCompile(`\s{2,}`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}
