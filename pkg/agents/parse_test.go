package agents

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

func TestParseContent(t *testing.T) {
	content := `---
name: reviewer
description: Reviews pull requests
version: 1.2
type: code_review
capabilities: [diff reading, "framework:django"]
specializations:
  - code_review
  - security
frameworks: go, python
domains:
  - developer tooling
roles: reviewer
---

You review code.
Be precise.
`

	fields, body, wellFormed, err := ParseContent([]byte(content))
	require.NoError(t, err)
	assert.True(t, wellFormed)

	assert.Equal(t, "reviewer", fields.Name)
	assert.Equal(t, "Reviews pull requests", fields.Description)
	assert.Equal(t, "1.2", fields.Version)
	assert.Equal(t, "code_review", fields.Type)
	assert.Equal(t, []string{"diff reading", "framework:django"}, fields.Capabilities)
	assert.Equal(t, []string{"code_review", "security"}, fields.Specializations)
	assert.Equal(t, []string{"go", "python"}, fields.Frameworks)
	assert.Equal(t, []string{"developer tooling"}, fields.Domains)
	assert.Equal(t, []string{"reviewer"}, fields.Roles)
	assert.Equal(t, "\nYou review code.\nBe precise.\n", body)
}

func TestParseContentEdgeCases(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wellFormed bool
		wantErr    bool
		body       string
	}{
		{
			name:    "no frontmatter is valid but not well-formed",
			content: "# Engineer\n\nWrites code.\n",
			body:    "# Engineer\n\nWrites code.\n",
		},
		{
			name:    "empty file",
			content: "",
			body:    "",
		},
		{
			name:    "unterminated frontmatter",
			content: "---\nname: broken\n\nbody\n",
			wantErr: true,
		},
		{
			name:    "malformed yaml",
			content: "---\ndescription: [unclosed\n---\nbody\n",
			wantErr: true,
			body:    "body\n",
		},
		{
			name:       "empty frontmatter",
			content:    "---\n---\nbody\n",
			wellFormed: true,
			body:       "body\n",
		},
		{
			name:       "byte order mark",
			content:    "\ufeff---\ndescription: hi\n---\nbody",
			wellFormed: true,
			body:       "body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body, wellFormed, err := ParseContent([]byte(tt.content))
			if tt.wantErr {
				assert.Error(t, err)
				assert.False(t, wellFormed)
				if tt.body != "" {
					assert.Equal(t, tt.body, body)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wellFormed, wellFormed)
			assert.Equal(t, tt.body, body)
		})
	}
}

func TestParse(t *testing.T) {
	def := agenttypes.AgentDefinition{
		Name:    "broken",
		Path:    "/tmp/agents/broken.md",
		Content: []byte("---\ndescription: [unclosed\n---\n"),
		ModTime: time.Now(),
	}

	rec := Parse(def)
	require.Error(t, rec.Err)
	assert.False(t, rec.Valid())
	assert.ErrorIs(t, rec.Err, agenttypes.ErrParse)

	var perr *agenttypes.ParseError
	require.ErrorAs(t, rec.Err, &perr)
	assert.Equal(t, def.Path, perr.Path)

	def.Content = []byte("---\ndescription: fine\n---\nbody")
	rec = Parse(def)
	assert.True(t, rec.Valid())
	assert.True(t, rec.WellFormed)
	assert.Equal(t, "fine", rec.Fields.Description)
}

func TestRender(t *testing.T) {
	fields := agenttypes.DeclaredFields{
		Name:         "ops",
		Description:  "Deploys services",
		Version:      "2.0.0",
		Capabilities: []string{"deployment", "rollback"},
		Frameworks:   []string{"kubernetes"},
	}

	content, err := Render(fields, "Deploy carefully.")
	require.NoError(t, err)
	assert.Contains(t, string(content), "description: Deploys services\n")
	assert.NotContains(t, string(content), "roles:")

	parsed, body, wellFormed, err := ParseContent(content)
	require.NoError(t, err)
	assert.True(t, wellFormed)
	assert.Equal(t, fields, parsed)
	assert.Equal(t, "\nDeploy carefully.\n", body)
}

func TestHeaderSchema(t *testing.T) {
	schema := HeaderSchema()
	require.NotNil(t, schema.Properties)
	assert.Equal(t, "object", schema.Type)

	for _, key := range []string{"name", "description", "type", "capabilities", "specializations", "frameworks", "domains", "roles"} {
		_, ok := schema.Properties.Get(key)
		assert.True(t, ok, key)
	}
	desc, _ := schema.Properties.Get("description")
	assert.Contains(t, desc.Description, "orchestrator")
	assert.Empty(t, schema.Required)
}
