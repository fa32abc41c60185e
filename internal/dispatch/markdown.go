package dispatch

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// md is the shared parser; goldmark parsers are safe for concurrent use.
var md = goldmark.New()

// Flatten renders markdown to plain text for transports that display
// text verbatim: formatting is dropped, code blocks keep their content,
// list items become "- " lines, and top-level blocks are separated by a
// blank line. Structure beyond that is not preserved.
func Flatten(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(gtext.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(node.Segment.Value(src))
				if node.SoftLineBreak() || node.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(node.URL(src))
			}
		case *ast.FencedCodeBlock:
			if entering {
				writeBlockLines(&sb, src, node)
			}
		case *ast.CodeBlock:
			if entering {
				writeBlockLines(&sb, src, node)
			}
		case *ast.ListItem:
			if entering {
				sb.WriteString("- ")
			} else if node.NextSibling() != nil {
				sb.WriteByte('\n')
			}
		}

		if !entering && n.Type() == ast.TypeBlock && n.Parent() == doc && n.NextSibling() != nil {
			sb.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(sb.String())
}

// writeBlockLines copies a code block's raw lines into the builder.
func writeBlockLines(sb *strings.Builder, src []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(src))
	}
}
