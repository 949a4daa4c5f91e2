package llm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/thala-research/thala/internal/interfaces"
)

// reflectSchema derives a strict JSON schema from a result prototype. The
// reflector inlines definitions and forbids extra properties so the model
// cannot pad its answer.
func reflectSchema(v interface{}) (map[string]interface{}, error) {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reflected schema: %w", err)
	}

	var schemaMap map[string]interface{}
	if err := json.Unmarshal(data, &schemaMap); err != nil {
		return nil, fmt.Errorf("failed to decode reflected schema: %w", err)
	}
	return schemaMap, nil
}

// schemaJSON renders the schema as indented JSON for prompt injection
func schemaJSON(v interface{}) (string, error) {
	schemaMap, err := reflectSchema(v)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(schemaMap, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// toolInputSchema splits a reflected schema into the properties object and
// required list the provider tool definition expects
func toolInputSchema(v interface{}) (map[string]interface{}, []string, error) {
	schemaMap, err := reflectSchema(v)
	if err != nil {
		return nil, nil, err
	}

	properties, _ := schemaMap["properties"].(map[string]interface{})
	if properties == nil {
		properties = map[string]interface{}{}
	}

	var required []string
	if rawRequired, ok := schemaMap["required"].([]interface{}); ok {
		for _, entry := range rawRequired {
			if name, ok := entry.(string); ok {
				required = append(required, name)
			}
		}
	}

	return properties, required, nil
}

// decodeInto unmarshals raw JSON into the output prototype and runs its own
// validation. The target is zeroed first so a failed earlier attempt cannot
// leak fields into a later success.
func decodeInto(raw []byte, out interfaces.Validatable) error {
	zeroValue(out)

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("response is not valid JSON for the expected schema: %w", err)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("response failed schema validation: %w", err)
	}
	return nil
}

// zeroValue resets a pointer target to its zero value
func zeroValue(out interface{}) {
	value := reflect.ValueOf(out)
	if value.Kind() == reflect.Ptr && !value.IsNil() {
		element := value.Elem()
		element.Set(reflect.Zero(element.Type()))
	}
}

// extractJSON extracts a JSON object from a model response, handling
// markdown code fences
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		lines := strings.Split(response, "\n")
		var jsonLines []string
		inCodeBlock := false

		for _, line := range lines {
			if strings.HasPrefix(line, "```") {
				if inCodeBlock {
					break
				}
				inCodeBlock = true
				continue
			}
			if inCodeBlock {
				jsonLines = append(jsonLines, line)
			}
		}

		if len(jsonLines) > 0 {
			return strings.Join(jsonLines, "\n")
		}
	}

	// No code fences: take the outermost object
	startIdx := strings.Index(response, "{")
	endIdx := strings.LastIndex(response, "}")
	if startIdx >= 0 && endIdx > startIdx {
		return response[startIdx : endIdx+1]
	}

	return response
}
