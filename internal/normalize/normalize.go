// Package normalize converts raw agent output into the canonical result
// shape: {items, metadata} on success or {error, raw_output, timestamp}
// when nothing interpretable can be extracted. Normalization is total and
// idempotent; it never returns an error.
package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const noData = "No data available"

// RawOutput is the tagged input to the normalizer: either machine-native
// structured items from the pipeline, or free text that may contain JSON.
type RawOutput struct {
	structured []map[string]any
	text       string
	isText     bool
}

func Structured(items []map[string]any) RawOutput {
	return RawOutput{structured: items}
}

func Text(s string) RawOutput {
	return RawOutput{text: s, isText: true}
}

type Metadata struct {
	Query     string `json:"query"`
	Timestamp string `json:"timestamp"`
}

type Result struct {
	Items     []map[string]any
	Metadata  Metadata
	Error     string
	RawOutput string
	Timestamp string
}

func (r Result) Failed() bool {
	return r.Error != ""
}

// MarshalJSON emits exactly one of the two canonical shapes.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Failed() {
		return json.Marshal(struct {
			Error     string `json:"error"`
			RawOutput string `json:"raw_output"`
			Timestamp string `json:"timestamp"`
		}{r.Error, r.RawOutput, r.Timestamp})
	}

	items := r.Items
	if items == nil {
		items = []map[string]any{}
	}
	return json.Marshal(struct {
		Items    []map[string]any `json:"items"`
		Metadata Metadata         `json:"metadata"`
	}{items, r.Metadata})
}

func (r *Result) UnmarshalJSON(data []byte) error {
	var raw struct {
		Items     []map[string]any `json:"items"`
		Metadata  Metadata         `json:"metadata"`
		Error     string           `json:"error"`
		RawOutput string           `json:"raw_output"`
		Timestamp string           `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Result{
		Items:     raw.Items,
		Metadata:  raw.Metadata,
		Error:     raw.Error,
		RawOutput: raw.RawOutput,
		Timestamp: raw.Timestamp,
	}
	return nil
}

// Normalize applies the extraction rules in order, first success wins:
// structured items pass through, then the first balanced {...} span of the
// fence-stripped text, then the first [...] span, and finally the error
// payload carrying the stripped text verbatim.
func Normalize(raw RawOutput, query string) Result {
	now := time.Now().UTC().Format(time.RFC3339)

	if !raw.isText {
		return Result{
			Items:    flattenItems(raw.structured),
			Metadata: Metadata{Query: query, Timestamp: now},
		}
	}

	stripped := stripFences(raw.text)

	for offset := 0; offset < len(stripped); {
		span, start, ok := balancedSpan(stripped[offset:], '{', '}')
		if !ok {
			break
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			return fromObject(obj, stripped, query, now)
		}
		offset += start + 1
	}

	for offset := 0; offset < len(stripped); {
		span, start, ok := balancedSpan(stripped[offset:], '[', ']')
		if !ok {
			break
		}
		var arr []any
		if err := json.Unmarshal([]byte(span), &arr); err == nil {
			return Result{
				Items:    flattenItems(coerceItems(arr)),
				Metadata: Metadata{Query: query, Timestamp: now},
			}
		}
		offset += start + 1
	}

	return Result{
		Error:     "could not extract structured data from agent output",
		RawOutput: stripped,
		Timestamp: now,
	}
}

// fromObject interprets the first parsed JSON object. Canonical success and
// error payloads reproduce themselves so normalization stays idempotent.
func fromObject(obj map[string]any, stripped, query, now string) Result {
	if itemsVal, ok := obj["items"]; ok {
		arr, ok := itemsVal.([]any)
		if !ok {
			arr = []any{}
		}

		meta := Metadata{Query: query, Timestamp: now}
		if m, ok := obj["metadata"].(map[string]any); ok {
			if q, ok := m["query"].(string); ok && q != "" {
				meta.Query = q
			}
			if ts, ok := m["timestamp"].(string); ok && ts != "" {
				meta.Timestamp = ts
			}
		}

		return Result{Items: flattenItems(coerceItems(arr)), Metadata: meta}
	}

	if errVal, ok := obj["error"]; ok {
		res := Result{
			Error:     fmt.Sprint(errVal),
			RawOutput: stripped,
			Timestamp: now,
		}
		if ro, ok := obj["raw_output"].(string); ok {
			res.RawOutput = ro
		}
		if ts, ok := obj["timestamp"].(string); ok && ts != "" {
			res.Timestamp = ts
		}
		return res
	}

	// A lone object is promoted to a single-element item list.
	return Result{
		Items:    flattenItems([]map[string]any{obj}),
		Metadata: Metadata{Query: query, Timestamp: now},
	}
}

var fenceOpenRe = regexp.MustCompile("```[a-zA-Z]*")

func stripFences(s string) string {
	s = fenceOpenRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "`", "")
	return strings.TrimSpace(s)
}

// balancedSpan returns the first span of text opening with open and
// closing with its balanced counterpart, skipping brackets inside JSON
// string literals. The returned offset is the span's start within s.
func balancedSpan(s string, open, close byte) (string, int, bool) {
	start := strings.IndexByte(s, open)
	if start < 0 {
		return "", 0, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return s[start : i+1], start, true
			}
		}
	}

	return "", 0, false
}

func coerceItems(arr []any) []map[string]any {
	items := make([]map[string]any, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			items = append(items, m)
			continue
		}
		items = append(items, map[string]any{"value": v})
	}
	return items
}

func flattenItems(items []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, flattenItem(item))
	}
	return out
}

// flattenItem gives every item the same flat shape regardless of which
// upstream tool produced it: price becomes a string, nested sale
// statistics collapse into orders_count and repurchase_rate.
func flattenItem(item map[string]any) map[string]any {
	out := make(map[string]any, len(item)+2)
	for k, v := range item {
		out[k] = v
	}

	if price, ok := out["price"]; ok {
		out["price"] = flattenPrice(price)
	}

	orders, repurchase := saleStats(out)
	delete(out, "sale_info")
	delete(out, "sales")
	delete(out, "sale_statistics")
	delete(out, "sale_count")

	if _, ok := out["orders_count"].(string); !ok {
		out["orders_count"] = orders
	}
	if _, ok := out["repurchase_rate"].(string); !ok {
		out["repurchase_rate"] = repurchase
	}

	return out
}

func flattenPrice(price any) string {
	switch p := price.(type) {
	case string:
		return p
	case map[string]any:
		for _, key := range []string{"value", "price", "amount"} {
			if v, ok := p[key]; ok {
				return fmt.Sprint(v)
			}
		}
		return noData
	default:
		return fmt.Sprint(p)
	}
}

func saleStats(item map[string]any) (orders, repurchase string) {
	orders, repurchase = noData, noData

	if v, ok := item["sale_count"]; ok {
		orders = fmt.Sprint(v)
	}

	for _, key := range []string{"sale_info", "sales", "sale_statistics"} {
		nested, ok := item[key].(map[string]any)
		if !ok {
			continue
		}
		for _, ordKey := range []string{"orders_count", "order_count", "sale_count", "sales_count", "quantity"} {
			if v, ok := nested[ordKey]; ok {
				orders = fmt.Sprint(v)
				break
			}
		}
		for _, repKey := range []string{"repurchase_rate", "repeat_rate"} {
			if v, ok := nested[repKey]; ok {
				repurchase = fmt.Sprint(v)
				break
			}
		}
	}

	return orders, repurchase
}
