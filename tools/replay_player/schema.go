package replayplayer

import (
	"github.com/invopop/jsonschema"
)

// Schema describes the JSON document produced by the replay_player command.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(Report))
	schema.Title = "wandersync replay report"
	schema.Description = "Decoded view of a recorded session: manifest, header, events and frame summaries"
	return schema
}
