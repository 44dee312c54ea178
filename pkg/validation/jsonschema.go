package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Compile parses a JSON schema document. Remote $ref loading is not
// registered, so schemas must be self-contained.
func Compile(schemaJSON string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema: %w", err)
	}
	return sch, nil
}

// ValidateJSONWithSchema validates a JSON document against a JSON schema.
// An empty schema accepts anything.
func ValidateJSONWithSchema(schemaJSON string, dataJSON string) error {
	if schemaJSON == "" {
		return nil
	}
	sch, err := Compile(schemaJSON)
	if err != nil {
		return err
	}
	return ValidateDocument(sch, []byte(dataJSON))
}

// ValidateValue validates an in-memory value (typically a decoded map)
// against sch.
func ValidateValue(sch *jsonschema.Schema, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value for validation: %w", err)
	}
	return ValidateDocument(sch, raw)
}

// ValidateDocument validates raw JSON bytes against sch.
func ValidateDocument(sch *jsonschema.Schema, raw []byte) error {
	var data interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to unmarshal JSON data: %w", err)
	}
	if err := sch.Validate(data); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("JSON data failed validation against schema: %v", verr)
		}
		return fmt.Errorf("JSON data failed validation: %w", err)
	}
	return nil
}

// Cache keeps compiled schemas by caller-chosen key, e.g. a template id and
// revision.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

func NewCache() *Cache {
	return &Cache{schemas: make(map[string]*jsonschema.Schema)}
}

func (c *Cache) Get(key, schemaJSON string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	sch, ok := c.schemas[key]
	c.mu.RUnlock()
	if ok {
		return sch, nil
	}
	sch, err := Compile(schemaJSON)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.schemas[key] = sch
	c.mu.Unlock()
	return sch, nil
}
