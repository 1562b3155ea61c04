package shop

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// clientConfigSchema constrains the per-platform clientConfig documents
// the control plane attaches to pixel configs. Unknown keys are allowed
// so platform integrations can carry their own settings; the keys the
// pipeline interprets must have the right shapes.
const clientConfigSchema = `{
	"type": "object",
	"properties": {
		"mode": {"enum": ["purchase_only", "full_funnel"]},
		"treatAsMarketing": {"type": "boolean"},
		"testMode": {"type": "boolean"},
		"currencyOverride": {"type": "string", "minLength": 3, "maxLength": 3},
		"eventFilters": {"type": "array", "items": {"type": "string"}}
	}
}`

var compiledClientConfig = mustCompileClientConfig()

func mustCompileClientConfig() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://tracking-guardian.schemas.local/client-config.schema.json"
	if err := c.AddResource(url, strings.NewReader(clientConfigSchema)); err != nil {
		panic(fmt.Sprintf("client config schema load failed: %v", err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("client config schema compile failed: %v", err))
	}
	return compiled
}

// ValidateClientConfig checks a decoded clientConfig document against
// the schema. Nil documents are valid.
func ValidateClientConfig(doc map[string]any) error {
	if doc == nil {
		return nil
	}
	if err := compiledClientConfig.Validate(map[string]any(doc)); err != nil {
		return fmt.Errorf("client config invalid: %w", err)
	}
	return nil
}
