package tools

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Page limits keep recon output inside the model's context.
const (
	maxPageLinks    = 30
	maxPageForms    = 10
	maxPageComments = 10
	maxCommentLen   = 200
)

// PageSummary is the structure of an HTML response that matters when
// probing a target: where it links, what it submits, and what the
// author left in comments.
type PageSummary struct {
	Title    string     `json:"title,omitempty"`
	Links    []string   `json:"links,omitempty"`
	Forms    []FormInfo `json:"forms,omitempty"`
	Comments []string   `json:"comments,omitempty"`
	Scripts  []string   `json:"scripts,omitempty"`
}

// FormInfo describes one <form>.
type FormInfo struct {
	Action string   `json:"action"`
	Method string   `json:"method"`
	Inputs []string `json:"inputs,omitempty"`
}

// summarizePage parses raw HTML. It returns nil when nothing of
// interest is found.
func summarizePage(raw string) *PageSummary {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}
	ps := &PageSummary{Title: strings.TrimSpace(findTitle(doc))}
	seen := make(map[string]bool)
	walkPage(doc, ps, seen, nil)
	if ps.Title == "" && len(ps.Links) == 0 && len(ps.Forms) == 0 && len(ps.Comments) == 0 && len(ps.Scripts) == 0 {
		return nil
	}
	return ps
}

func walkPage(n *html.Node, ps *PageSummary, seen map[string]bool, form *FormInfo) {
	switch n.Type {
	case html.CommentNode:
		c := strings.TrimSpace(n.Data)
		if c != "" && len(ps.Comments) < maxPageComments {
			if len(c) > maxCommentLen {
				c = c[:runeCut(c, maxCommentLen)] + "..."
			}
			ps.Comments = append(ps.Comments, c)
		}
	case html.ElementNode:
		switch n.DataAtom {
		case atom.A, atom.Link:
			if href := attr(n, "href"); href != "" && !seen[href] && len(ps.Links) < maxPageLinks {
				seen[href] = true
				ps.Links = append(ps.Links, href)
			}
		case atom.Script:
			if src := attr(n, "src"); src != "" {
				ps.Scripts = append(ps.Scripts, src)
			}
		case atom.Form:
			if len(ps.Forms) < maxPageForms {
				method := strings.ToUpper(attr(n, "method"))
				if method == "" {
					method = "GET"
				}
				ps.Forms = append(ps.Forms, FormInfo{Action: attr(n, "action"), Method: method})
				form = &ps.Forms[len(ps.Forms)-1]
			}
		case atom.Input, atom.Textarea, atom.Select, atom.Button:
			if form != nil {
				if name := attr(n, "name"); name != "" {
					if typ := attr(n, "type"); typ != "" {
						name += ":" + typ
					}
					form.Inputs = append(form.Inputs, name)
				}
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkPage(c, ps, seen, form)
	}
}

// findTitle walks the DOM looking for a <title> element.
func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		return textContent(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
