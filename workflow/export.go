package workflow

import (
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ensembleworks/ensemble/errors"
)

// Export renders an analysis in the given format ("json" or "yaml").
func (a *Analysis) Export(format string) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		data, err := json.MarshalIndent(a, "", "  ")
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal analysis")
		}
		return string(data), nil
	case "yaml", "yml":
		// Round-trip through JSON so the YAML keys match the JSON field
		// names instead of the Go identifiers.
		jsonData, err := json.Marshal(a)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal analysis")
		}
		var generic map[string]any
		if err := json.Unmarshal(jsonData, &generic); err != nil {
			return "", errors.Wrap(err, "failed to convert analysis")
		}
		data, err := yaml.Marshal(generic)
		if err != nil {
			return "", errors.Wrap(err, "failed to marshal analysis")
		}
		return string(data), nil
	default:
		return "", errors.NewInvalidRequestError("unsupported export format: %s (valid: json, yaml)", format)
	}
}
