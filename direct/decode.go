package direct

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/egorkaBurkenya/reportflow/extract"
)

// page is one decoded collection response.
type page struct {
	table    *extract.Table
	nextLink string
	hasValue bool
}

// decodePage reads a collection response. Columns keep the order in which
// keys first appear in the rows.
func decodePage(body []byte) (*page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}
	p := &page{table: &extract.Table{}}
	seen := map[string]bool{}

	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		switch key {
		case "value":
			p.hasValue = true
			if err := decodeRows(dec, p.table, seen); err != nil {
				return nil, err
			}
		case "@odata.nextLink":
			if err := dec.Decode(&p.nextLink); err != nil {
				return nil, fmt.Errorf("decode next link: %w", err)
			}
		default:
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, err
			}
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeRows(dec *json.Decoder, t *extract.Table, seen map[string]bool) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("value: expected array, got %v", tok)
	}
	for dec.More() {
		row, err := decodeRow(dec, t, seen)
		if err != nil {
			return err
		}
		if row != nil {
			t.Rows = append(t.Rows, row)
		}
	}
	return expectDelim(dec, ']')
}

// decodeRow reads one object; a null element yields a nil row.
func decodeRow(dec *json.Decoder, t *extract.Table, seen map[string]bool) (extract.Row, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("value item: expected object, got %v", tok)
	}
	row := extract.Row{}
	for dec.More() {
		key, err := readKey(dec)
		if err != nil {
			return nil, err
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		row[key] = v
		if !seen[key] {
			seen[key] = true
			t.Columns = append(t.Columns, key)
		}
	}
	return row, expectDelim(dec, '}')
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}
	key, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("expected object key, got %v", tok)
	}
	return key, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("unexpected end of response, want %q", want)
	}
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Transform rewrites column values of a report in place.
type Transform func(t *extract.Table)

var transforms = map[string]Transform{
	"AllGroupsInMyOrg": groupTypes,
}

func groupTypes(t *extract.Table) {
	if !slices.Contains(t.Columns, "groupTypes") {
		return
	}
	for _, r := range t.Rows {
		r["groupTypes"] = GroupTypeLabel(r["groupTypes"])
	}
}

// GroupTypeLabel renders a group's groupTypes as a display label.
func GroupTypeLabel(v any) string {
	var types []string
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				types = append(types, s)
			}
		}
	case []string:
		types = x
	case string:
		types = []string{x}
	}
	unified := slices.Contains(types, "Unified")
	dynamic := slices.Contains(types, "DynamicMembership")
	switch {
	case unified && dynamic:
		return "Microsoft 365 (Dynamic)"
	case unified:
		return "Microsoft 365"
	case dynamic:
		return "Dynamic Membership"
	}
	return "Security"
}
