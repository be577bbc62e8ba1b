package clearcms

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/aymerick/douceur/css"
	cssparser "github.com/chris-ramon/douceur/parser"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var (
	cssURLRegexp  = regexp.MustCompile(`(?i)url\([^)]*\)`)
	cssExprRegexp = regexp.MustCompile(`(?i)expression\([^)]*\)`)
)

var allowedCSSProperties = make(map[string]bool)

func init() {
	for _, prop := range []string{
		"color", "background", "background-color",
		"font", "font-family", "font-size", "font-style", "font-weight",
		"line-height", "letter-spacing", "word-spacing", "white-space",
		"text-align", "text-decoration", "text-indent", "text-transform",
		"vertical-align", "direction",
		"border", "border-color", "border-radius", "border-collapse", "border-spacing",
		"margin", "padding", "width", "height", "max-width", "min-width",
		"float", "clear",
		"list-style-type", "list-style-position",
	} {
		allowedCSSProperties[prop] = true
	}
}

// htmlPolicy is applied after CSS has been cleaned up.
var htmlPolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("style")
	p.AllowAttrs("style").Globally()
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}()

func cleanCSSDeclarations(decls []*css.Declaration) []*css.Declaration {
	kept := decls[:0]
	for _, decl := range decls {
		if !allowedCSSProperties[strings.ToLower(decl.Property)] {
			continue
		}
		if cssExprRegexp.MatchString(decl.Value) {
			continue
		}
		decl.Value = cssURLRegexp.ReplaceAllString(decl.Value, "url(about:blank)")
		kept = append(kept, decl)
	}
	return kept
}

func cleanCSSRule(rule *css.Rule) {
	if rule.Kind == css.AtRule && strings.EqualFold(rule.Name, "@import") {
		rule.Prelude = "url(about:blank)"
	}
	rule.Declarations = cleanCSSDeclarations(rule.Declarations)
	for _, child := range rule.Rules {
		cleanCSSRule(child)
	}
}

func cleanStyleSheet(s string) string {
	stylesheet, err := cssparser.Parse(s)
	if err != nil {
		return ""
	}
	for _, rule := range stylesheet.Rules {
		cleanCSSRule(rule)
	}
	return stylesheet.String()
}

func cleanStyleAttr(s string) string {
	decls, err := cssparser.ParseDeclarations(s)
	if err != nil {
		return ""
	}
	var sb strings.Builder
	for _, decl := range cleanCSSDeclarations(decls) {
		sb.WriteString(decl.String())
	}
	return sb.String()
}

func cleanNode(n *html.Node) {
	if n.Type == html.ElementNode {
		if strings.EqualFold(n.Data, "style") {
			var text strings.Builder
			for c := n.FirstChild; c != nil; {
				next := c.NextSibling
				if c.Type == html.TextNode {
					text.WriteString(c.Data)
				}
				n.RemoveChild(c)
				c = next
			}
			n.AppendChild(&html.Node{
				Type: html.TextNode,
				Data: cleanStyleSheet(text.String()),
			})
		}

		for i := range n.Attr {
			attr := &n.Attr[i]
			if strings.EqualFold(attr.Key, "style") {
				attr.Val = cleanStyleAttr(attr.Val)
			}
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		cleanNode(c)
	}
}

// sanitizeHTML strips unsafe markup and styles from an HTML fragment.
func sanitizeHTML(b []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %v", err)
	}

	cleanNode(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render HTML: %v", err)
	}

	// bluemonday must always be run last
	return htmlPolicy.SanitizeBytes(buf.Bytes()), nil
}
