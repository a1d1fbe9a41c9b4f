package skillmd

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed frontmatter.schema.json
var frontmatterSchema []byte

const schemaURL = "skill-frontmatter.schema.json"

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(schemaURL, bytes.NewReader(frontmatterSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Lint checks frontmatter YAML against the SKILL.md schema and returns one
// message per violation, sorted. Valid frontmatter yields nil.
func Lint(front string) []string {
	schema, err := compileSchema()
	if err != nil {
		return []string{"schema unavailable: " + err.Error()}
	}

	var raw map[string]any
	if err := yaml.Unmarshal([]byte(front), &raw); err != nil {
		return []string{"frontmatter: " + err.Error()}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	// Round-trip through JSON so the validator sees plain JSON values.
	blob, err := json.Marshal(raw)
	if err != nil {
		return []string{"frontmatter: " + err.Error()}
	}
	dec := json.NewDecoder(bytes.NewReader(blob))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return []string{"frontmatter: " + err.Error()}
	}

	err = schema.Validate(instance)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{"frontmatter: " + err.Error()}
	}
	var problems []string
	collectLeaves(ve, &problems)
	sort.Strings(problems)
	return problems
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "frontmatter"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
