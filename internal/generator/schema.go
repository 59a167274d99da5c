package generator

import "encoding/json"

// supportedKeywords is the JSON-Schema subset the gateway guarantees a
// constrained-JSON generator can enforce. Anything else is filtered
// out before the schema reaches GenerateConstrained; the filtered
// schema still produces valid (but less constrained) output.
var supportedKeywords = map[string]bool{
	"type":             true,
	"enum":             true,
	"const":            true,
	"properties":       true,
	"required":         true,
	"items":            true,
	"minItems":         true,
	"maxItems":         true,
	"minimum":          true,
	"maximum":          true,
	"exclusiveMinimum": true,
	"exclusiveMaximum": true,
	"multipleOf":       true,
	"pattern":          true,
	"format":           true,
	"oneOf":            true,
	"anyOf":            true,
	"allOf":            true,
	"$ref":             true,
	// structural, always retained regardless of the keyword filter
	"additionalProperties": true,
	"description":          true,
}

// FilterSchema returns a copy of schema with every unsupported keyword
// removed (recursively through properties/items/oneOf/anyOf/allOf), and
// reports which keywords were dropped so the caller can warn once. A
// "format" value other than "date-time" is treated as unsupported and
// dropped along with the keyword.
func FilterSchema(schema []byte) (filtered []byte, dropped []string, err error) {
	if len(schema) == 0 {
		return schema, nil, nil
	}
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		return schema, nil, err
	}
	seen := map[string]bool{}
	out := filterValue(v, &seen)
	b, err := json.Marshal(out)
	if err != nil {
		return schema, nil, err
	}
	dropped = make([]string, 0, len(seen))
	for k := range seen {
		dropped = append(dropped, k)
	}
	return b, dropped, nil
}

func filterValue(v any, dropped *map[string]bool) any {
	switch t := v.(type) {
	case map[string]any:
		out := map[string]any{}
		for k, child := range t {
			if !supportedKeywords[k] {
				(*dropped)[k] = true
				continue
			}
			if k == "format" {
				if s, ok := child.(string); ok && s != "date-time" {
					(*dropped)["format:"+s] = true
					continue
				}
			}
			switch k {
			case "properties":
				if props, ok := child.(map[string]any); ok {
					nested := map[string]any{}
					for pk, pv := range props {
						nested[pk] = filterValue(pv, dropped)
					}
					out[k] = nested
					continue
				}
			case "items":
				out[k] = filterValue(child, dropped)
				continue
			case "oneOf", "anyOf", "allOf":
				if arr, ok := child.([]any); ok {
					nested := make([]any, len(arr))
					for i, item := range arr {
						nested[i] = filterValue(item, dropped)
					}
					out[k] = nested
					continue
				}
			}
			out[k] = child
		}
		return out
	default:
		return v
	}
}
