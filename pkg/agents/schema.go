package agents

import (
	"github.com/invopop/jsonschema"

	agenttypes "github.com/jingkaihe/agentry/pkg/types/agents"
)

// HeaderSchema describes the frontmatter header of an agent definition.
func HeaderSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(&agenttypes.DeclaredFields{})
	schema.Title = "Agent definition header"
	return schema
}
