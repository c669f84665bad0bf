package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var rawSchema string

var schema = func() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("pipeline.schema.json", strings.NewReader(rawSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile("pipeline.schema.json")
}()

// validateSchema checks the raw YAML document against the pipeline
// schema before unmarshalling, so that shape errors are reported with
// schema paths instead of seal panics.
func validateSchema(content []byte) error {
	var doc any
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return err
	}
	if err := schema.Validate(normalize(doc)); err != nil {
		return fmt.Errorf("configuration rejected by schema: %w", err)
	}
	return nil
}

// normalize converts yaml.v3's map[string]any-with-any-keys form into
// the map[string]any form the schema validator accepts.
func normalize(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, val := range vv {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := map[string]any{}
		for k, val := range vv {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
