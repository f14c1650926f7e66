package discovery

import (
	"sort"
	"strings"
)

// ParseTXT turns "key=value" TXT strings into a map. Keys are matched
// case-insensitively; the first occurrence of a key wins. A key without '='
// maps to the empty string.
func ParseTXT(fields []string) map[string]string {
	out := make(map[string]string, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		k, v, _ := strings.Cut(f, "=")
		k = strings.ToLower(k)
		if _, seen := out[k]; seen {
			continue
		}
		out[k] = v
	}
	return out
}

// FormatTXT renders a TXT map as sorted "key=value" strings.
func FormatTXT(text map[string]string) []string {
	out := make([]string, 0, len(text))
	for k, v := range text {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
