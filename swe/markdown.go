package swe

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// ModulePlan is one module of a project plan.
type ModulePlan struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Technologies  string        `json:"technologies"`
	Sections      []SectionPlan `json:"sections"`
	Specification string        `json:"specification"`
	Approved      bool          `json:"approved"`
}

// SectionPlan is a numbered subsection of a module plan.
type SectionPlan struct {
	Name           string `json:"name"`
	Specifications string `json:"specifications"`
}

// CodeFile is a file extracted from a code generation response.
type CodeFile struct {
	Path     string `json:"path"`
	Language string `json:"language,omitempty"`
	Content  string `json:"content"`
}

var (
	moduleHeading  = regexp.MustCompile(`^\d+\.\s+\S`)
	sectionHeading = regexp.MustCompile(`^\d+\.\d+\.?\s*\S`)
	numbering      = regexp.MustCompile(`^\d+(?:\.\d+)*[.)]?\s*`)
	projectName    = regexp.MustCompile(`(?i)\b(?:project|app|application|tool|library)\s+name\s*:?\s*([A-Za-z0-9_\- ]+)`)
)

var markdown = goldmark.New()

func parse(src []byte) ast.Node {
	return markdown.Parser().Parse(text.NewReader(src))
}

// ExtractModulePlans reads a project plan. Each level-2 heading of the
// form "## 1. Name" starts a module; "- **Description**:" and
// "- **Technologies**:" items fill its summary; "### 1.1 Name" headings
// start its sections.
func ExtractModulePlans(md string) []ModulePlan {
	src := []byte(md)
	doc := parse(src)

	var (
		modules []ModulePlan
		current *ModulePlan
		section *SectionPlan
		body    []string
		start   int
	)

	flushSection := func() {
		if current != nil && section != nil {
			section.Specifications = strings.TrimSpace(strings.Join(body, "\n"))
			current.Sections = append(current.Sections, *section)
		}
		section, body = nil, nil
	}
	flushModule := func(end int) {
		flushSection()
		if current != nil {
			spec := strings.TrimSpace(string(src[start:end]))
			current.Specification = strings.TrimSpace(strings.TrimSuffix(spec, "---"))
			if current.Sections == nil {
				current.Sections = []SectionPlan{}
			}
			modules = append(modules, *current)
		}
		current = nil
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			title := plainText(h, src)
			switch {
			case h.Level <= 2 && moduleHeading.MatchString(title):
				pos := lineStart(src, blockStart(h))
				flushModule(pos)
				current = &ModulePlan{Name: title}
				start = pos
				continue
			case h.Level <= 2:
				flushModule(lineStart(src, blockStart(h)))
				continue
			case current != nil && sectionHeading.MatchString(title):
				flushSection()
				section = &SectionPlan{Name: title}
				continue
			}
		}
		if current == nil {
			continue
		}
		lines := blockLines(n, src)
		if section != nil {
			body = append(body, lines...)
			continue
		}
		for _, line := range lines {
			if v, ok := labelled(line, "description"); ok && current.Description == "" {
				current.Description = v
			}
			if v, ok := labelled(line, "technologies"); ok && current.Technologies == "" {
				current.Technologies = v
			}
		}
	}
	flushModule(len(src))
	return modules
}

// ExtractCodeFiles reads a code generation response. A fenced code block
// belongs to the file named by the heading or one-line paragraph directly
// before it, e.g. "### 1. **/cmd/main.go**". Blocks without a file name
// are ignored.
func ExtractCodeFiles(md string) []CodeFile {
	src := []byte(md)
	doc := parse(src)

	var files []CodeFile
	pending := ""
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			pending = filePath(plainText(node, src))
		case *ast.Paragraph:
			if node.Lines().Len() == 1 {
				pending = filePath(plainText(node, src))
			} else {
				pending = ""
			}
		case *ast.FencedCodeBlock:
			if pending == "" {
				continue
			}
			var buf bytes.Buffer
			for i := 0; i < node.Lines().Len(); i++ {
				seg := node.Lines().At(i)
				buf.Write(seg.Value(src))
			}
			files = append(files, CodeFile{
				Path:     pending,
				Language: string(node.Language(src)),
				Content:  buf.String(),
			})
			pending = ""
		}
	}
	return files
}

// ExtractProjectName finds a "Project Name: X" style line. It returns ""
// when none is present.
func ExtractProjectName(md string) string {
	src := []byte(md)
	doc := parse(src)
	var name string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || name != "" {
			return ast.WalkContinue, nil
		}
		if n.Type() != ast.TypeBlock || n.HasChildren() && n.FirstChild().Type() == ast.TypeBlock {
			return ast.WalkContinue, nil
		}
		if m := projectName.FindStringSubmatch(plainText(n, src)); m != nil {
			name = strings.TrimSpace(m[1])
			return ast.WalkStop, nil
		}
		return ast.WalkSkipChildren, nil
	})
	return name
}

// filePath extracts a file path from heading text such as
// "2. /frontend/README.md" or "`internal/db.go`".
func filePath(title string) string {
	title = numbering.ReplaceAllString(strings.TrimSpace(title), "")
	title = strings.Trim(title, "`*: ")
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return ""
	}
	candidate := strings.Trim(fields[0], "`*:")
	if len(fields) > 1 && !strings.ContainsAny(candidate, "/.") {
		return ""
	}
	if !strings.ContainsAny(candidate, "/.") || strings.HasSuffix(candidate, ".") {
		return ""
	}
	return candidate
}

func labelled(line, label string) (string, bool) {
	line = strings.TrimSpace(line)
	if len(line) <= len(label) || !strings.EqualFold(line[:len(label)], label) {
		return "", false
	}
	rest := strings.TrimSpace(line[len(label):])
	if !strings.HasPrefix(rest, ":") {
		return "", false
	}
	return strings.TrimSpace(rest[1:]), true
}

// blockLines renders a block as plain text lines. List items become one
// line each with emphasis markers dropped.
func blockLines(n ast.Node, src []byte) []string {
	switch node := n.(type) {
	case *ast.List:
		var lines []string
		for item := node.FirstChild(); item != nil; item = item.NextSibling() {
			for c := item.FirstChild(); c != nil; c = c.NextSibling() {
				lines = append(lines, blockLines(c, src)...)
			}
		}
		return lines
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		var lines []string
		for i := 0; i < n.Lines().Len(); i++ {
			seg := n.Lines().At(i)
			lines = append(lines, strings.TrimRight(string(seg.Value(src)), "\n"))
		}
		return lines
	case *ast.ThematicBreak:
		return nil
	default:
		if t := strings.TrimSpace(plainText(n, src)); t != "" {
			return []string{t}
		}
		return nil
	}
}

// plainText concatenates the inline text below n.
func plainText(n ast.Node, src []byte) string {
	var sb strings.Builder
	var walk func(ast.Node)
	walk = func(n ast.Node) {
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			switch t := c.(type) {
			case *ast.Text:
				sb.Write(t.Segment.Value(src))
				if t.SoftLineBreak() || t.HardLineBreak() {
					sb.WriteByte(' ')
				}
			case *ast.String:
				sb.Write(t.Value)
			case *ast.AutoLink:
				sb.Write(t.Label(src))
			default:
				walk(c)
			}
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

// blockStart returns the source offset of the first line of a block.
func blockStart(n ast.Node) int {
	if n.Type() == ast.TypeBlock && n.Lines().Len() > 0 {
		return n.Lines().At(0).Start
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if pos := blockStart(c); pos >= 0 {
			return pos
		}
	}
	if t, ok := n.(*ast.Text); ok {
		return t.Segment.Start
	}
	return -1
}

func lineStart(src []byte, pos int) int {
	if pos < 0 {
		return len(src)
	}
	return bytes.LastIndexByte(src[:pos], '\n') + 1
}
