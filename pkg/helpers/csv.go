package helpers

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"

	"vdispatch/pkg/protocol"
)

// CSV flattens a successful result's list of objects into CSV text with
// a sorted header row. Failed results are rendered as indented JSON so
// the error message is not lost.
type CSV struct{}

func (CSV) Name() string { return "csv" }

func (CSV) Transform(res protocol.TaskResult) (string, error) {
	if res.Success != 0 {
		b, err := json.MarshalIndent(res, "", "    ")
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	rows, err := objectRows(res.Result)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", nil
	}

	headers := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return "", err
	}
	record := make([]string, len(headers))
	for _, row := range rows {
		for i, h := range headers {
			v, ok := row[h]
			if !ok || v == nil {
				record[i] = "None"
				continue
			}
			record[i] = stringify(v)
		}
		if err := w.Write(record); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// objectRows coerces a result payload into a list of objects. Payloads
// arrive as decoded JSON, so the concrete types are []any and
// map[string]any, but typed slices from in-process callers are accepted
// by a marshal round trip.
func objectRows(v any) ([]map[string]any, error) {
	switch rows := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, 0, len(rows))
		for _, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("helpers: csv row is %T, want object", r)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("helpers: csv wants a list of objects, got %T", v)
		}
		return out, nil
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64. Trim the mantissa for
		// integral values so counters do not render as "5.000000".
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
