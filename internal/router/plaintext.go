// ABOUTME: Converts markdown model output to plain text for channel bridges.
// ABOUTME: Walks the goldmark AST, keeping text, code, and link targets while dropping markup.

package router

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// PlainText renders markdown as readable plain text.
func PlainText(src string) string {
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	blockEnd := func() {
		if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n\n")) {
			if bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
				buf.WriteByte('\n')
			} else {
				buf.WriteString("\n\n")
			}
		}
	}

	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				buf.Write(node.Segment.Value(source))
				if node.HardLineBreak() || node.SoftLineBreak() {
					buf.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				buf.Write(node.Value)
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				lines := n.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					buf.Write(seg.Value(source))
				}
				blockEnd()
				return ast.WalkSkipChildren, nil
			}
		case *ast.Link:
			if !entering {
				dest := string(node.Destination)
				if dest != "" && !strings.HasSuffix(buf.String(), dest) {
					buf.WriteString(" (" + dest + ")")
				}
			}
		case *ast.AutoLink:
			if entering {
				buf.Write(node.URL(source))
			}
		case *ast.ListItem:
			if entering {
				buf.WriteString("- ")
			} else if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
				buf.WriteByte('\n')
			}
		case *ast.List:
			if !entering {
				blockEnd()
			}
		case *ast.ThematicBreak:
			if entering {
				buf.WriteString("---")
				blockEnd()
			}
		case *ast.HTMLBlock, *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		default:
			if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				if _, inItem := n.Parent().(*ast.ListItem); inItem {
					break
				}
				blockEnd()
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}
