package store

import (
	"encoding/json"
	"math"

	"github.com/perchhq/perch/internal/session/models"
)

// SessionUsage aggregates token counts and cost from a session's metadata
// events. Entries that do not match the expected shape are skipped.
func (s *Store) SessionUsage(sessionID string) (models.Usage, error) {
	events, err := s.ReadEventLog(sessionID, 0, []string{string(models.EventMetadata)})
	if err != nil {
		return models.Usage{}, err
	}
	var usage models.Usage
	for _, ev := range events {
		key, _ := ev.Payload["key"].(string)
		switch key {
		case "tokens":
			value, ok := ev.Payload["value"].(map[string]any)
			if !ok {
				continue
			}
			usage.InputTokens += asInt(value["input"])
			usage.OutputTokens += asInt(value["output"])
		case "cost":
			if f, ok := asFloat(ev.Payload["value"]); ok {
				usage.TotalCostUSD += f
			}
		}
	}
	usage.TotalCostUSD = math.Round(usage.TotalCostUSD*10000) / 10000
	return usage, nil
}

// asInt coerces the numeric shapes JSON decoding can produce.
func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return int(i)
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
