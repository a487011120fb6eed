package telemetry

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// CoerceNumbers converts numeric strings in a frame to numbers where
// safe, leaving everything else untouched.
func CoerceNumbers(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			if strings.Contains(s, ".") {
				if f, err := strconv.ParseFloat(s, 64); err == nil {
					out[k] = f
					continue
				}
			} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				out[k] = n
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ParseModelVersion extracts HW/SW versions from the printer's
// semi-structured modelVersion string, e.g.
// "printer hw ver:ABC;printer sw ver:1.2.3;DWIN hw ver:XYZ;...".
// Empty printer versions fall back to the DWIN ones, prefixed "DWIN".
func ParseModelVersion(s string) (hw, sw string) {
	parts := make(map[string]string)
	for _, seg := range strings.Split(s, ";") {
		seg = strings.TrimSpace(seg)
		key, val, found := strings.Cut(seg, ":")
		if !found {
			continue
		}
		parts[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(val)
	}

	hw = parts["printer hw ver"]
	sw = parts["printer sw ver"]

	if hw == "" {
		if v := parts["dwin hw ver"]; v != "" {
			hw = "DWIN " + v
		}
	}
	if sw == "" {
		if v := parts["dwin sw ver"]; v != "" {
			sw = "DWIN " + v
		}
	}
	return hw, sw
}

var posRe = regexp.MustCompile(`X:(-?\d+(?:\.\d+)?)\s+Y:(-?\d+(?:\.\d+)?)\s+Z:(-?\d+(?:\.\d+)?)`)

// ParsePosition extracts X/Y/Z from a composite position string.
func ParsePosition(raw any) (x, y, z float64, ok bool) {
	s, isStr := raw.(string)
	if !isStr {
		return 0, 0, 0, false
	}
	m := posRe.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, 0, false
	}
	x, errX := strconv.ParseFloat(m[1], 64)
	y, errY := strconv.ParseFloat(m[2], 64)
	z, errZ := strconv.ParseFloat(m[3], 64)
	if errX != nil || errY != nil || errZ != nil {
		return 0, 0, 0, false
	}
	return x, y, z, true
}

// SafeFloat converts any telemetry value to a float64 where possible.
func SafeFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
