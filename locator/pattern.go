package locator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sliverarmory/binbridge/mem"
)

// ParsePattern converts a signature written as text into bytes. Two forms are
// accepted: escaped bytes such as `\x55\x8B\xEC\x2A` with literal characters
// in between, or whitespace separated hex bytes such as "55 8B EC ??" where
// "?", "??" and "*" stand for mem.Wildcard.
func ParsePattern(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("locator: empty pattern")
	}
	if strings.Contains(s, `\x`) {
		return parseEscaped(s)
	}
	var out []byte
	for _, tok := range strings.Fields(s) {
		switch tok {
		case "?", "??", "*":
			out = append(out, mem.Wildcard)
			continue
		}
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil || len(tok) > 2 {
			return nil, fmt.Errorf("locator: invalid pattern byte %q", tok)
		}
		out = append(out, byte(b))
	}
	return out, nil
}

func parseEscaped(s string) ([]byte, error) {
	var out []byte
	for i := 0; i < len(s); {
		if !strings.HasPrefix(s[i:], `\x`) {
			out = append(out, s[i])
			i++
			continue
		}
		if i+4 > len(s) {
			return nil, fmt.Errorf("locator: truncated escape at offset %d", i)
		}
		b, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("locator: invalid escape %q", s[i:i+4])
		}
		out = append(out, byte(b))
		i += 4
	}
	return out, nil
}

// FormatPattern renders b in the spaced hex form ParsePattern reads.
func FormatPattern(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		if c == mem.Wildcard {
			parts[i] = "??"
			continue
		}
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, " ")
}
