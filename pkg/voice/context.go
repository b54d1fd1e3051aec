package voice

import (
	"fmt"
	"strings"
	"time"

	"github.com/stillriver/voiced/pkg/state"
)

// BuildContext assembles a situational-context prefix from whatever the
// state store currently holds: weather, location, local time. Returns
// a <context> block, or "" when nothing useful is available.
//
// Runs concurrently with ASR so its cost is hidden behind the user
// speaking.
func BuildContext(store *state.Store) string {
	var parts []string

	weather := store.Get(state.SectionWeather)
	if temp, ok := weather["temperature"]; ok && temp != nil {
		desc, _ := weather["description"].(string)
		parts = append(parts, strings.TrimSpace(fmt.Sprintf("weather: %vF %s", temp, strings.ToLower(desc))))
	}

	location := store.Get(state.SectionLocation)
	if city, ok := location["city"].(string); ok && city != "" {
		parts = append(parts, "location: "+city)
	}

	timeData := store.Get(state.SectionTime)
	if ts, ok := timeData["timestamp"].(string); ok && ts != "" {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			parts = append(parts, "time: "+strings.ToLower(parsed.Format("Monday, January 2, 3:04PM")))
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return "<context>\n" + strings.Join(parts, "\n") + "\n</context>\n\n"
}
