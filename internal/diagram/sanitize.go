package diagram

import (
	"strings"

	"golang.org/x/net/html"
)

// Sanitize parses engine output permissively and strips active content:
// deny-listed elements, event-handler attributes, and javascript:/data:
// URI references. Removal is silent; it is the correct behavior for
// untrusted markup, not a failure. Root SVG dimensions are rewritten so the
// artifact scales to its container instead of the engine's pixel size.
func Sanitize(markup string) string {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		// The permissive parser accepts nearly anything; an outright
		// failure means the markup is not worth keeping.
		return ""
	}

	body := findElement(root, "body")
	if body == nil {
		return ""
	}
	var b strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		clean := sanitizeNode(c)
		if clean == nil {
			continue
		}
		if err := html.Render(&b, clean); err != nil {
			return ""
		}
	}
	return b.String()
}

var deniedElements = map[string]struct{}{
	"script": {}, "style": {}, "object": {}, "embed": {}, "iframe": {},
	"frame": {}, "frameset": {}, "form": {}, "input": {}, "button": {},
	"select": {}, "textarea": {}, "option": {}, "meta": {}, "base": {},
}

var uriAttributes = map[string]struct{}{
	"href": {}, "src": {}, "xlink:href": {}, "action": {}, "formaction": {},
}

func sanitizeNode(n *html.Node) *html.Node {
	if n.Type == html.TextNode {
		return &html.Node{Type: html.TextNode, Data: n.Data}
	}
	if n.Type != html.ElementNode {
		return nil
	}
	name := strings.ToLower(n.Data)
	if _, denied := deniedElements[name]; denied {
		return nil
	}

	out := &html.Node{
		Type:      html.ElementNode,
		Data:      n.Data,
		DataAtom:  n.DataAtom,
		Namespace: n.Namespace,
	}
	for _, attr := range n.Attr {
		if !keepAttribute(attr) {
			continue
		}
		out.Attr = append(out.Attr, attr)
	}
	if name == "svg" {
		out.Attr = normalizeSVGDimensions(out.Attr)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if clean := sanitizeNode(c); clean != nil {
			out.AppendChild(clean)
		}
	}
	return out
}

func keepAttribute(attr html.Attribute) bool {
	key := strings.ToLower(attr.Key)
	if strings.HasPrefix(key, "on") {
		return false
	}
	if _, isURI := uriAttributes[key]; isURI && unsafeURI(attr.Val) {
		return false
	}
	return true
}

// unsafeURI reports javascript: and data: schemes, tolerating the
// whitespace and control characters browsers skip before the scheme.
func unsafeURI(val string) bool {
	var compact strings.Builder
	for _, r := range val {
		if r <= ' ' {
			continue
		}
		compact.WriteRune(r)
	}
	v := strings.ToLower(compact.String())
	return strings.HasPrefix(v, "javascript:") || strings.HasPrefix(v, "data:")
}

// normalizeSVGDimensions drops fixed pixel sizing from the root svg element
// and preserves the aspect ratio through a viewBox when one is missing.
func normalizeSVGDimensions(attrs []html.Attribute) []html.Attribute {
	var width, height string
	hasViewBox := false
	kept := attrs[:0]
	for _, attr := range attrs {
		switch strings.ToLower(attr.Key) {
		case "width":
			width = attr.Val
		case "height":
			height = attr.Val
		case "viewbox":
			hasViewBox = true
			kept = append(kept, attr)
		case "style":
			// Inline sizing from the engine is replaced below.
		default:
			kept = append(kept, attr)
		}
	}
	if !hasViewBox && plainNumber(width) && plainNumber(height) {
		kept = append(kept, html.Attribute{Key: "viewBox", Val: "0 0 " + width + " " + height})
	}
	kept = append(kept,
		html.Attribute{Key: "width", Val: "100%"},
		html.Attribute{Key: "style", Val: "max-width: 100%; height: auto;"},
	)
	return kept
}

func plainNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' {
			return false
		}
	}
	return true
}

func findElement(n *html.Node, name string) *html.Node {
	if n.Type == html.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}
