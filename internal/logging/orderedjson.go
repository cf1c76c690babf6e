package logging

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// marshalOrderedJSON writes m as a JSON object with keys sorted
// lexicographically, so that lines from different calls line up when
// read side by side. Ported from framework/log package.
func marshalOrderedJSON(output *strings.Builder, m map[string]interface{}) error {
	order := make([]string, 0, len(m))
	for k := range m {
		order = append(order, k)
	}
	sort.Strings(order)

	output.WriteRune('{')
	for i, key := range order {
		if i != 0 {
			output.WriteRune(',')
		}

		jsonKey, err := json.Marshal(key)
		if err != nil {
			return err
		}

		output.Write(jsonKey)
		output.WriteString(":")

		val := m[key]
		switch casted := val.(type) {
		case time.Time:
			val = casted.Format("2006-01-02T15:04:05.000Z")
		case time.Duration:
			val = casted.String()
		case LogFormatter:
			val = casted.FormatLog()
		case fmt.Stringer:
			val = casted.String()
		case error:
			val = casted.Error()
		}

		jsonValue, err := json.Marshal(val)
		if err != nil {
			return err
		}
		output.Write(jsonValue)
	}
	output.WriteRune('}')

	return nil
}

// LogFormatter lets a value control its own textual representation in a
// log line, taking precedence over fmt.Stringer.
type LogFormatter interface {
	FormatLog() string
}
