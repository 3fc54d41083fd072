package chatwoot

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Formatter turns the markdown written by the models into the lightweight
// markup understood by messaging channels (*bold*, _italic_, ~strike~).
type Formatter struct {
	md goldmark.Markdown
}

func NewFormatter() *Formatter {
	return &Formatter{md: goldmark.New(goldmark.WithExtensions(extension.Strikethrough))}
}

type Formatted struct {
	Text   string
	Images []string
}

var blankLines = regexp.MustCompile(`\n{3,}`)

func (f *Formatter) Format(markdown string) Formatted {
	src := []byte(markdown)
	doc := f.md.Parser().Parse(text.NewReader(src))
	w := &plainWriter{src: src}
	w.blocks(doc, 0)
	out := blankLines.ReplaceAllString(w.sb.String(), "\n\n")
	return Formatted{Text: strings.TrimSpace(out), Images: w.images}
}

type plainWriter struct {
	src    []byte
	sb     strings.Builder
	images []string
}

func (w *plainWriter) blocks(parent ast.Node, depth int) {
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			w.sb.WriteString("*" + w.inline(node) + "*\n\n")
		case *ast.Paragraph:
			w.sb.WriteString(w.inline(node) + "\n\n")
		case *ast.TextBlock:
			w.sb.WriteString(w.inline(node) + "\n")
		case *ast.List:
			w.list(node, depth)
			if depth == 0 {
				w.sb.WriteString("\n")
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			w.sb.WriteString("```\n")
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				w.sb.Write(seg.Value(w.src))
			}
			w.sb.WriteString("```\n\n")
		case *ast.Blockquote:
			inner := &plainWriter{src: w.src}
			inner.blocks(node, depth)
			w.images = append(w.images, inner.images...)
			for _, line := range strings.Split(strings.TrimSpace(inner.sb.String()), "\n") {
				w.sb.WriteString("> " + line + "\n")
			}
			w.sb.WriteString("\n")
		case *ast.ThematicBreak:
			w.sb.WriteString("---\n\n")
		case *ast.HTMLBlock:
		default:
			w.blocks(n, depth)
		}
	}
}

func (w *plainWriter) list(list *ast.List, depth int) {
	num := list.Start
	indent := strings.Repeat("  ", depth)
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = strconv.Itoa(num) + ". "
			num++
		}
		w.sb.WriteString(indent + marker)
		first := true
		for child := item.FirstChild(); child != nil; child = child.NextSibling() {
			if sub, ok := child.(*ast.List); ok {
				if first {
					w.sb.WriteString("\n")
				}
				w.list(sub, depth+1)
				first = false
				continue
			}
			if !first {
				w.sb.WriteString(indent + "  ")
			}
			w.sb.WriteString(w.inline(child) + "\n")
			first = false
		}
		if first {
			w.sb.WriteString("\n")
		}
	}
}

func (w *plainWriter) inline(parent ast.Node) string {
	var sb strings.Builder
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(w.src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteString("\n")
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.Emphasis:
			mark := "_"
			if node.Level >= 2 {
				mark = "*"
			}
			sb.WriteString(mark + w.inline(node) + mark)
		case *east.Strikethrough:
			sb.WriteString("~" + w.inline(node) + "~")
		case *ast.CodeSpan:
			sb.WriteString("`" + w.inline(node) + "`")
		case *ast.Link:
			label := w.inline(node)
			dest := string(node.Destination)
			if label == "" || label == dest {
				sb.WriteString(dest)
			} else {
				sb.WriteString(label + " (" + dest + ")")
			}
		case *ast.AutoLink:
			sb.Write(node.URL(w.src))
		case *ast.Image:
			w.images = append(w.images, string(node.Destination))
			if alt := w.inline(node); alt != "" {
				sb.WriteString(alt)
			}
		case *ast.RawHTML:
		default:
			sb.WriteString(w.inline(n))
		}
	}
	return sb.String()
}
