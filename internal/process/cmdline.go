package process

import "strings"

// SplitCommandLine splits s on runs of ASCII whitespace. There is no quoting
// or escaping: `sh -c 'exit 2'` yields four fields. Arguments containing
// spaces must be passed through New instead.
func SplitCommandLine(s string) []string {
	return strings.FieldsFunc(s, isASCIISpace)
}

func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}
