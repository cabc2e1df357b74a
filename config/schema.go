package config

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

var (
	schemaOnce sync.Once
	schemaVal  cue.Value
	schemaErr  error
)

func compiledSchema() (cue.Value, error) {
	schemaOnce.Do(func() {
		ctx := cuecontext.New()
		schemaVal = ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		schemaErr = schemaVal.Err()
	})
	return schemaVal, schemaErr
}

// validateSchema checks the raw document against the embedded CUE schema
// before it is decoded into typed configuration structs.
func validateSchema(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode config document: %w", err)
	}
	if doc == nil {
		return nil
	}
	value := schema.Context().Encode(doc)
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config document: %w", err)
	}
	unified := schema.Unify(value)
	if err := unified.Err(); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return fmt.Errorf("config schema violation: %w", err)
	}
	return nil
}
