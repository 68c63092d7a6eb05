// Package speech turns model output into text a TTS engine can read.
package speech

import (
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Clean strips markdown from s. Code blocks, raw HTML and images are dropped,
// links keep their label, and headings and list items become sentences.
func Clean(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	source := []byte(s)
	document := goldmark.DefaultParser().Parse(text.NewReader(source))

	var sb strings.Builder
	err := ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock, *ast.RawHTML, *ast.Image:
			return ast.WalkSkipChildren, nil
		case *ast.Text:
			if entering {
				sb.Write(v.Segment.Value(source))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteByte(' ')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(v.Value)
			}
		case *ast.AutoLink:
			if entering {
				sb.Write(v.Label(source))
			}
		case *ast.Heading, *ast.ListItem:
			if !entering {
				endSentence(&sb)
			}
		case *ast.Paragraph, *ast.TextBlock:
			if !entering {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return collapse(s)
	}
	return collapse(sb.String())
}

// Limit shortens s to at most max runes, cutting at the last sentence end
// when there is one.
func Limit(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	cut := string(r[:max])
	if i := strings.LastIndexAny(cut, ".!?"); i > 0 {
		return strings.TrimSpace(cut[:i+1])
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		return strings.TrimSpace(cut[:i]) + "..."
	}
	return cut
}

func endSentence(sb *strings.Builder) {
	cur := strings.TrimRightFunc(sb.String(), unicode.IsSpace)
	if cur == "" {
		return
	}
	last := []rune(cur)[len([]rune(cur))-1]
	if unicode.IsLetter(last) || unicode.IsDigit(last) {
		sb.Reset()
		sb.WriteString(cur)
		sb.WriteByte('.')
	}
	sb.WriteByte(' ')
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
