package server

import "encoding/json"

type parameterPart struct {
	Name         string       `json:"name"`
	ValueString  *string      `json:"valueString,omitempty"`
	ValueInteger *int         `json:"valueInteger,omitempty"`
	ValueBoolean *bool        `json:"valueBoolean,omitempty"`
	ValueDecimal *json.Number `json:"valueDecimal,omitempty"`
}

type requestParameter struct {
	Name     string          `json:"name"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Part     []parameterPart `json:"part,omitempty"`
}

type parametersEnvelope struct {
	ResourceType string             `json:"resourceType"`
	Parameter    []requestParameter `json:"parameter"`
}

// unwrapRequest splits a request body into the resource to process and the
// per-request dynamic settings. A Parameters resource carrying a "resource"
// parameter is unwrapped; primitive-valued parts of its "settings" parameter
// become the dynamic settings. Any other resource is processed as posted.
func unwrapRequest(body []byte) ([]byte, map[string]interface{}, error) {
	var env parametersEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, err
	}
	if env.ResourceType != "Parameters" {
		return body, nil, nil
	}

	resource := body
	var dynamic map[string]interface{}
	for _, p := range env.Parameter {
		switch p.Name {
		case "resource":
			if len(p.Resource) > 0 {
				resource = p.Resource
			}
		case "settings":
			dynamic = make(map[string]interface{}, len(p.Part))
			for _, part := range p.Part {
				switch {
				case part.ValueString != nil:
					dynamic[part.Name] = *part.ValueString
				case part.ValueInteger != nil:
					dynamic[part.Name] = *part.ValueInteger
				case part.ValueBoolean != nil:
					dynamic[part.Name] = *part.ValueBoolean
				case part.ValueDecimal != nil:
					dynamic[part.Name] = *part.ValueDecimal
				}
			}
		}
	}
	return resource, dynamic, nil
}
