package validate

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const actionSchema = `{
  "type": "object",
  "required": ["action", "location", "target", "narrative"],
  "properties": {
    "action":    {"type": "string", "minLength": 1},
    "location":  {"type": "string", "minLength": 1},
    "target":    {"type": ["string", "null"]},
    "narrative": {"type": "string", "minLength": 1}
  }
}`

const destinySchema = `{
  "type": "object",
  "required": ["end_state", "milestones", "inclination"],
  "properties": {
    "end_state":   {"type": "string", "minLength": 1},
    "inclination": {"type": "string", "minLength": 1},
    "milestones": {
      "type": "array",
      "minItems": 1,
      "maxItems": 5,
      "items": {
        "type": "object",
        "required": ["target_day", "description"],
        "properties": {
          "target_day":  {"type": "integer", "minimum": 1},
          "description": {"type": "string", "minLength": 1},
          "reached":     {"type": "boolean"}
        }
      }
    }
  }
}`

const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string", "minLength": 1}
  }
}`

var (
	actionContract  = mustCompile("action.json", actionSchema)
	destinyContract = mustCompile("destiny.json", destinySchema)
	summaryContract = mustCompile("summary.json", summarySchema)
)

func mustCompile(name, src string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(src)); err != nil {
		panic(fmt.Sprintf("validate: add %s: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("validate: compile %s: %v", name, err))
	}
	return s
}

// schemaViolations flattens a schema failure into one line per leaf cause.
func schemaViolations(s *jsonschema.Schema, v any) []string {
	err := s.Validate(v)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return out
}
