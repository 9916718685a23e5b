package risk

// shapedFields are the only top-level fields returned to clients, after
// address has been renamed to walletAddress.
var shapedFields = []string{"walletAddress", "risk", "riskReason", "status"}

// Shape renames address to walletAddress, keeps only the shaped fields and
// replaces every JSON null with the string "null". Fields absent upstream
// stay absent.
func Shape(raw map[string]any) map[string]any {
	renamed := make(map[string]any, len(raw))
	for k, v := range raw {
		if k != "address" {
			renamed[k] = v
		}
	}
	if v, ok := raw["address"]; ok {
		renamed["walletAddress"] = v
	}

	out := make(map[string]any, len(shapedFields))
	for _, field := range shapedFields {
		v, ok := renamed[field]
		if !ok {
			continue
		}
		out[field] = replaceNulls(v)
	}
	return out
}

func replaceNulls(v any) any {
	switch x := v.(type) {
	case nil:
		return "null"
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, inner := range x {
			out[k] = replaceNulls(inner)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, inner := range x {
			out[i] = replaceNulls(inner)
		}
		return out
	default:
		return v
	}
}
