package agents

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	meta "github.com/yuin/goldmark-meta"
	"github.com/yuin/goldmark/parser"
	"gopkg.in/yaml.v3"

	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

const frontmatterDelimiter = "---"

var markdown = goldmark.New(goldmark.WithExtensions(meta.Meta))

// ParseContent lightly parses an agent definition: the YAML frontmatter
// header, if any, and the markdown body after it. Content without a header
// is valid but not well-formed.
func ParseContent(content []byte) (fields agenttypes.DeclaredFields, body string, wellFormed bool, err error) {
	text := strings.TrimPrefix(string(content), "\ufeff")

	if !hasFrontmatter(text) {
		return fields, text, false, nil
	}

	body, ok := extractBodyContent(text)
	if !ok {
		return fields, text, false, errors.New("frontmatter is not terminated")
	}

	pctx := parser.NewContext()
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(text), &buf, parser.WithContext(pctx)); err != nil {
		return fields, body, false, errors.Wrap(err, "failed to convert markdown")
	}

	metaData, err := meta.TryGet(pctx)
	if err != nil {
		return fields, body, false, errors.Wrap(err, "malformed frontmatter")
	}

	fields.Name = stringField(metaData["name"])
	fields.Description = stringField(metaData["description"])
	fields.Version = stringField(metaData["version"])
	fields.Type = stringField(metaData["type"])
	fields.Capabilities = parseStringArrayField(metaData["capabilities"])
	fields.Specializations = parseStringArrayField(metaData["specializations"])
	fields.Frameworks = parseStringArrayField(metaData["frameworks"])
	fields.Domains = parseStringArrayField(metaData["domains"])
	fields.Roles = parseStringArrayField(metaData["roles"])

	return fields, body, true, nil
}

// Parse turns a definition into a raw record. It never fails; problems are
// carried on the record as a ParseError.
func Parse(def agenttypes.AgentDefinition) *agenttypes.RawRecord {
	rec := &agenttypes.RawRecord{Definition: def}

	fields, body, wellFormed, err := ParseContent(def.Content)
	rec.Fields = fields
	rec.Body = body
	rec.WellFormed = wellFormed
	if err != nil {
		rec.Err = &agenttypes.ParseError{Path: def.Path, Err: err}
	}
	return rec
}

// Render builds a definition file from structured fields and a body.
func Render(fields agenttypes.DeclaredFields, body string) ([]byte, error) {
	header, err := yaml.Marshal(fields)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal frontmatter")
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelimiter + "\n")
	buf.Write(header)
	buf.WriteString(frontmatterDelimiter + "\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(strings.TrimLeft(body, "\n"))
		if !strings.HasSuffix(body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

func hasFrontmatter(text string) bool {
	firstLine, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(firstLine) == frontmatterDelimiter
}

// extractBodyContent returns the markdown after the closing delimiter.
func extractBodyContent(content string) (string, bool) {
	lines := strings.Split(content, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == frontmatterDelimiter {
			return strings.Join(lines[i+1:], "\n"), true
		}
	}
	return content, false
}

func stringField(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	default:
		// version: 1.0 decodes as a float
		return fmt.Sprint(s)
	}
}

// parseStringArrayField handles both YAML arrays and comma-separated strings
func parseStringArrayField(field any) []string {
	switch v := field.(type) {
	case []any:
		var result []string
		for _, item := range v {
			if s := stringField(item); s != "" {
				result = append(result, s)
			}
		}
		return result
	case string:
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	default:
		return nil
	}
}
