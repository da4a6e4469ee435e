package newsletter

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// TemplateEngine renders newsletter templates. The template language is
// deliberately tiny: {{name}} substitutes the string form of a variable
// (missing variables render as empty, never an error), and
// {{#if name}}...{{/if}} keeps the enclosed content only when the
// variable is present and truthy.
//
// Conditional blocks do not nest. A nested {{#if}} inside a block is
// treated as literal text and the first {{/if}} closes the outer block;
// ParseStrict reports it so the admin template editor can reject such
// templates before they are saved.
//
// Templates are parsed once into an AST and cached by content hash, so
// a 10k-recipient dispatch parses the body a single time.
type TemplateEngine struct {
	cache sync.Map // md5(source) -> *ParsedTemplate
}

// NewTemplateEngine creates a template engine with an empty parse cache.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{}
}

// Render renders a template with the given variable set and injects the
// template's CSS, if any, into the document head.
func (e *TemplateEngine) Render(tmpl *Template, vars map[string]any) (string, error) {
	if tmpl == nil {
		return "", fmt.Errorf("render: nil template")
	}
	html := e.RenderBody(tmpl.HTMLBody, vars)
	return injectCSS(html, tmpl.CSS), nil
}

// RenderBody renders raw template source with the given variables,
// using the parse cache.
func (e *TemplateEngine) RenderBody(src string, vars map[string]any) string {
	key := sourceKey(src)
	if cached, ok := e.cache.Load(key); ok {
		return cached.(*ParsedTemplate).Render(vars)
	}
	pt := Parse(src)
	e.cache.Store(key, pt)
	return pt.Render(vars)
}

func sourceKey(src string) string {
	sum := md5.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}

// nodeKind tags the template AST variants.
type nodeKind int

const (
	nodeText nodeKind = iota
	nodeVar
	nodeCond
)

// node is one parsed template element. A nodeCond carries its enclosed
// children (text and substitution nodes only — conditionals do not nest).
type node struct {
	kind     nodeKind
	text     string // nodeText: literal content
	name     string // nodeVar, nodeCond: variable name
	children []node // nodeCond only
}

// ParsedTemplate is an immutable parsed template, safe for concurrent
// rendering.
type ParsedTemplate struct {
	nodes []node
}

// TemplateIssue describes a problem found by ParseStrict.
type TemplateIssue struct {
	Kind    string `json:"kind"` // "nested_if" | "unterminated_if"
	Name    string `json:"name"`
	Message string `json:"message"`
}

const (
	markerOpen  = "{{"
	markerClose = "}}"
	ifPrefix    = "{{#if "
	ifEnd       = "{{/if}}"
)

// Parse parses template source leniently: malformed markers, unterminated
// conditionals and nested conditionals all degrade to literal text.
func Parse(src string) *ParsedTemplate {
	pt, _ := parse(src)
	return pt
}

// ParseStrict parses template source and reports structural issues the
// lenient renderer would silently keep as literal text. Used by the admin
// template validation path.
func ParseStrict(src string) (*ParsedTemplate, []TemplateIssue) {
	return parse(src)
}

func parse(src string) (*ParsedTemplate, []TemplateIssue) {
	var nodes []node
	var issues []TemplateIssue

	rest := src
	for len(rest) > 0 {
		open := strings.Index(rest, markerOpen)
		if open == -1 {
			nodes = append(nodes, node{kind: nodeText, text: rest})
			break
		}
		if open > 0 {
			nodes = append(nodes, node{kind: nodeText, text: rest[:open]})
			rest = rest[open:]
		}

		if strings.HasPrefix(rest, ifPrefix) {
			cond, consumed, issue := parseConditional(rest)
			if issue != nil {
				issues = append(issues, *issue)
			}
			if consumed == 0 {
				// Unterminated block: marker stays literal.
				nodes = append(nodes, node{kind: nodeText, text: rest[:len(ifPrefix)]})
				rest = rest[len(ifPrefix):]
				continue
			}
			nodes = append(nodes, cond)
			rest = rest[consumed:]
			continue
		}

		name, consumed := parseSubstitution(rest)
		if consumed == 0 || strings.HasPrefix(rest, ifEnd) {
			// "{{" with no well-formed close, or a stray {{/if}}: literal.
			nodes = append(nodes, node{kind: nodeText, text: markerOpen})
			rest = rest[len(markerOpen):]
			continue
		}
		nodes = append(nodes, node{kind: nodeVar, name: name})
		rest = rest[consumed:]
	}

	return &ParsedTemplate{nodes: nodes}, issues
}

// parseSubstitution parses a leading "{{name}}" marker. Returns the
// variable name and bytes consumed, or 0 if the marker is malformed.
func parseSubstitution(s string) (string, int) {
	end := strings.Index(s, markerClose)
	if end == -1 {
		return "", 0
	}
	name := strings.TrimSpace(s[len(markerOpen):end])
	if name == "" || strings.ContainsAny(name, "{}\n") {
		return "", 0
	}
	return name, end + len(markerClose)
}

// parseConditional parses a leading "{{#if name}}...{{/if}}" block.
// Returns the conditional node and bytes consumed; consumed is 0 when the
// block never closes. Nested {{#if}} openers inside the block are kept as
// literal text and reported as an issue.
func parseConditional(s string) (node, int, *TemplateIssue) {
	headEnd := strings.Index(s, markerClose)
	if headEnd == -1 {
		return node{}, 0, &TemplateIssue{
			Kind:    "unterminated_if",
			Message: "conditional opener is never closed with }}",
		}
	}
	name := strings.TrimSpace(s[len(ifPrefix):headEnd])
	bodyStart := headEnd + len(markerClose)

	endIdx := strings.Index(s[bodyStart:], ifEnd)
	if endIdx == -1 {
		return node{}, 0, &TemplateIssue{
			Kind:    "unterminated_if",
			Name:    name,
			Message: fmt.Sprintf("{{#if %s}} has no matching {{/if}}", name),
		}
	}
	body := s[bodyStart : bodyStart+endIdx]
	consumed := bodyStart + endIdx + len(ifEnd)

	var issue *TemplateIssue
	if strings.Contains(body, ifPrefix) {
		issue = &TemplateIssue{
			Kind:    "nested_if",
			Name:    name,
			Message: fmt.Sprintf("nested {{#if}} inside {{#if %s}} is not supported", name),
		}
	}

	// Inner content carries substitutions only; any nested opener parses
	// as literal text because parseInner never recurses into conditionals.
	children := parseInner(body)
	return node{kind: nodeCond, name: name, children: children}, consumed, issue
}

// parseInner parses conditional-block content: text and substitutions.
func parseInner(src string) []node {
	var nodes []node
	rest := src
	for len(rest) > 0 {
		open := strings.Index(rest, markerOpen)
		if open == -1 {
			nodes = append(nodes, node{kind: nodeText, text: rest})
			break
		}
		if open > 0 {
			nodes = append(nodes, node{kind: nodeText, text: rest[:open]})
			rest = rest[open:]
		}
		name, consumed := parseSubstitution(rest)
		if consumed == 0 || strings.HasPrefix(rest, ifPrefix) || strings.HasPrefix(rest, ifEnd) {
			nodes = append(nodes, node{kind: nodeText, text: markerOpen})
			rest = rest[len(markerOpen):]
			continue
		}
		nodes = append(nodes, node{kind: nodeVar, name: name})
		rest = rest[consumed:]
	}
	return nodes
}

// Render renders the parsed template against a variable set. Missing
// variables substitute as empty strings; falsy conditionals drop their
// block entirely, markers included.
func (pt *ParsedTemplate) Render(vars map[string]any) string {
	var b strings.Builder
	for _, n := range pt.nodes {
		renderNode(&b, n, vars)
	}
	return b.String()
}

func renderNode(b *strings.Builder, n node, vars map[string]any) {
	switch n.kind {
	case nodeText:
		b.WriteString(n.text)
	case nodeVar:
		b.WriteString(stringify(vars[n.name]))
	case nodeCond:
		if truthy(vars[n.name]) {
			for _, child := range n.children {
				renderNode(b, child, vars)
			}
		}
	}
}

// stringify converts a template variable to its rendered string form.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return val.Format("January 2, 2006")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// truthy reports whether a variable keeps a conditional block: present
// and a non-empty string, non-zero number, boolean true, or non-zero date.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case time.Time:
		return !val.IsZero()
	default:
		return true
	}
}

// injectCSS inserts the template CSS into a <style> tag before </head>.
// Documents without a head get the style block prepended.
func injectCSS(html, css string) string {
	if css == "" {
		return html
	}
	style := "<style>\n" + css + "\n</style>"
	if idx := strings.Index(html, "</head>"); idx != -1 {
		return html[:idx] + style + html[idx:]
	}
	return style + html
}

// ValidateVariables checks a supplied variable set against the template's
// declared variables and returns one issue per mismatch. Used by the
// admin preview path; sends never validate (missing renders empty).
func ValidateVariables(tmpl *Template, vars map[string]any) []TemplateIssue {
	var issues []TemplateIssue
	for _, decl := range tmpl.Variables {
		v, ok := vars[decl.Name]
		if !ok {
			issues = append(issues, TemplateIssue{
				Kind:    "missing_variable",
				Name:    decl.Name,
				Message: fmt.Sprintf("declared variable %q was not supplied", decl.Name),
			})
			continue
		}
		if !typeMatches(decl.Type, v) {
			issues = append(issues, TemplateIssue{
				Kind:    "type_mismatch",
				Name:    decl.Name,
				Message: fmt.Sprintf("variable %q is declared %s but got %T", decl.Name, decl.Type, v),
			})
		}
	}
	return issues
}

func typeMatches(t VariableType, v any) bool {
	switch t {
	case VarString:
		_, ok := v.(string)
		return ok
	case VarNumber:
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case VarBoolean:
		_, ok := v.(bool)
		return ok
	case VarDate:
		_, ok := v.(time.Time)
		return ok
	}
	return true
}

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	headerRe     = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	imageRe      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	emphasisRe   = regexp.MustCompile(`(\*\*|__|\*|_)`)
	inlineCodeRe = regexp.MustCompile("`([^`]*)`")
	blockquoteRe = regexp.MustCompile(`(?m)^>\s?`)
	listMarkerRe = regexp.MustCompile(`(?m)^\s*([-*+]|\d+\.)\s+`)
	blankLinesRe = regexp.MustCompile(`\n{2,}`)
	trailingWSRe = regexp.MustCompile(`(?m)[ \t]+$`)
)

const ellipsis = "..."

// Truncate strips markdown structure from content and cuts it down to at
// most maxLength characters of plain text for previews and subject-line
// excerpts. Text that already fits is returned unchanged. Otherwise the
// cut prefers the last sentence boundary at or past 70% of maxLength (no
// ellipsis, the text ends on a real sentence), then the last whitespace
// at or past 80% (ellipsis appended), then a hard cut at maxLength with
// an ellipsis.
func Truncate(content string, maxLength int) string {
	plain := stripMarkdown(content)
	if len(plain) <= maxLength {
		return plain
	}
	if maxLength <= 0 {
		return ""
	}

	cut := plain[:maxLength]

	if dot := strings.LastIndex(cut, "."); dot != -1 && dot+1 >= int(float64(maxLength)*0.7) {
		return strings.TrimRight(cut[:dot+1], " \t\n")
	}
	if ws := strings.LastIndexAny(cut, " \t\n"); ws != -1 && ws >= int(float64(maxLength)*0.8) {
		return strings.TrimRight(cut[:ws], " \t\n") + ellipsis
	}
	return cut + ellipsis
}

// stripMarkdown reduces markdown to plain text: fenced code blocks are
// dropped, link text survives its link, images vanish, and structural
// markers (headers, emphasis, blockquotes, list bullets) are removed.
// Blank-line runs collapse to a single line break.
func stripMarkdown(md string) string {
	s := fencedCodeRe.ReplaceAllString(md, "")
	s = imageRe.ReplaceAllString(s, "")
	s = linkRe.ReplaceAllString(s, "$1")
	s = headerRe.ReplaceAllString(s, "")
	s = blockquoteRe.ReplaceAllString(s, "")
	s = listMarkerRe.ReplaceAllString(s, "")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = emphasisRe.ReplaceAllString(s, "")
	s = trailingWSRe.ReplaceAllString(s, "")
	s = blankLinesRe.ReplaceAllString(s, "\n")
	return strings.TrimSpace(s)
}
