package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// StaticDriver parses the artifact's markup without running scripts. It is
// the fallback when no Chrome is available: element presence checks work,
// behaviour that needs JavaScript does not.
type StaticDriver struct{}

func (StaticDriver) Open(ctx context.Context, dir string) (Page, error) {
	entry, err := entryPath(dir)
	if err != nil {
		return nil, err
	}
	p := &staticPage{ctx: ctx, path: entry}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (StaticDriver) Close() error { return nil }

type staticPage struct {
	ctx  context.Context
	path string
	root *html.Node
}

func (p *staticPage) query(selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: selector %q: %w", selector, err)
	}
	return cascadia.QueryAll(p.root, sel), nil
}

func (p *staticPage) Count(selector string) (int, error) {
	nodes, err := p.query(selector)
	if err != nil {
		return 0, err
	}
	return len(nodes), nil
}

func (p *staticPage) nth(selector string, n int) (*html.Node, error) {
	nodes, err := p.query(selector)
	if err != nil {
		return nil, err
	}
	if n < 0 || n >= len(nodes) {
		return nil, fmt.Errorf("%w: %s[%d]", ErrNoElement, selector, n)
	}
	return nodes[n], nil
}

func (p *staticPage) Fill(selector string, n int, text string) error {
	el, err := p.nth(selector, n)
	if err != nil {
		return err
	}
	setAttr(el, "value", text)
	return nil
}

// Click only checks that the element exists; there is no script to run.
func (p *staticPage) Click(selector string, n int) error {
	_, err := p.nth(selector, n)
	return err
}

func (p *staticPage) Reload() error {
	f, err := os.Open(p.path)
	if err != nil {
		return err
	}
	defer f.Close()
	root, err := html.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", p.path, err)
	}
	p.root = root
	return nil
}

func (p *staticPage) Settle(d time.Duration) error {
	return p.ctx.Err()
}

// Screenshot writes the page's visible text beside path. The extension is
// not a web file type, so project loads never pick it up as source.
func (p *staticPage) Screenshot(path string) (string, error) {
	out := strings.TrimSuffix(path, filepath.Ext(path)) + ".snapshot"
	var b strings.Builder
	visibleText(p.root, &b, false)
	if err := os.WriteFile(out, []byte(compactWhitespace(b.String())+"\n"), 0o644); err != nil {
		return "", err
	}
	return out, nil
}

func (p *staticPage) Close() error { return nil }

func visibleText(n *html.Node, b *strings.Builder, hidden bool) {
	if n.Type == html.ElementNode {
		switch strings.ToLower(n.Data) {
		case "script", "style", "noscript", "template":
			hidden = true
		case "br", "p", "div", "li", "tr", "h1", "h2", "h3", "section":
			b.WriteString("\n")
		case "input", "textarea":
			if v := attr(n, "value"); v != "" {
				b.WriteString("[" + v + "]")
			} else if ph := attr(n, "placeholder"); ph != "" {
				b.WriteString("[" + ph + "]")
			}
		}
	}
	if !hidden && n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		visibleText(c, b, hidden)
	}
}

func compactWhitespace(s string) string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		if ln = strings.Join(strings.Fields(ln), " "); ln != "" {
			out = append(out, ln)
		}
	}
	return strings.Join(out, "\n")
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}
