package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Base body fields, in wire order.
var baseKeys = []string{"reportName", "format", "localizationType"}

// BaseParams returns the fields every export submission carries.
func BaseParams(report string) map[string]any {
	return map[string]any{
		"reportName":       report,
		"format":           "csv",
		"localizationType": "LocalizedValuesAsAdditionalColumn",
	}
}

// EncodeBody renders params as the submission body: the base fields first
// in their fixed order, then the remaining keys sorted.
func EncodeBody(params map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(k string, v any) error {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		if err := encodeValue(&buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		return encodeValue(&buf, v)
	}

	for _, k := range baseKeys {
		if v, ok := params[k]; ok {
			if err := write(k, v); err != nil {
				return nil, err
			}
		}
	}
	rest := slices.Sorted(maps.Keys(params))
	for _, k := range rest {
		if slices.Contains(baseKeys, k) {
			continue
		}
		if err := write(k, params[k]); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("export: encode body: %w", err)
	}
	buf.Write(bytes.TrimSuffix(tmp.Bytes(), []byte("\n")))
	return nil
}

// TranslateParams maps caller-facing parameter names to export API
// parameters. deviceId and policyId become filter clauses joined with
// "and"; an explicit filter replaces them. A top that is not an integer
// falls back to 1000. Unknown names are dropped.
func TranslateParams(in map[string]string) map[string]any {
	out := map[string]any{}
	var clauses []string
	if v := strings.TrimSpace(in["deviceId"]); v != "" {
		clauses = append(clauses, fmt.Sprintf("DeviceId eq '%s'", quote(v)))
	}
	if v := strings.TrimSpace(in["policyId"]); v != "" {
		clauses = append(clauses, fmt.Sprintf("PolicyId eq '%s'", quote(v)))
	}
	if len(clauses) > 0 {
		out["filter"] = strings.Join(clauses, " and ")
	}
	if v := strings.TrimSpace(in["filter"]); v != "" {
		out["filter"] = v
	}
	for _, k := range []string{"startDate", "endDate"} {
		if v := strings.TrimSpace(in[k]); v != "" {
			out[k] = v
		}
	}
	if v, ok := in["top"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			n = 1000
		}
		out["top"] = n
	}
	return out
}

// quote escapes a value for use inside an OData string literal.
func quote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
