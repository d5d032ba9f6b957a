// Package wordexp implements the restricted command tokenizer §9 Design
// Notes calls for: "posix shell word expansion with WRDE_NOCMD|WRDE_UNDEF
// retained behaviorally... must reject command substitution, undefined
// variables, and the same set of metacharacters." Rather than shelling out
// to wordexp(3), this is a narrow, dependency-free tokenizer: it splits on
// whitespace honoring single/double quotes and backslash escapes, and
// rejects the disallowed constructs outright instead of silently
// expanding them.
package wordexp

import (
	"fmt"
	"strings"
)

// disallowed are the metacharacters and constructs WRDE_NOCMD/WRDE_UNDEF
// would reject: command substitution, variable expansion, and shell
// control operators.
const disallowed = "`|&;<>(){}*?[]~"

// Split tokenizes command the way the container "command" property is
// launched: words separated by whitespace, single/double-quoted spans
// kept literal, backslash escapes the next character. Returns an
// InvalidValue-shaped error (via the caller wrapping it) if the input
// contains a metacharacter or a `$` (variable/command expansion), since
// those are never executed, only rejected.
func Split(command string) ([]string, error) {
	var words []string
	var cur strings.Builder
	haveWord := false

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes):
			cur.WriteRune(runes[i+1])
			i++
			haveWord = true
		case r == '\'' || r == '"':
			quote := r
			i++
			for i < len(runes) && runes[i] != quote {
				if runes[i] == '$' {
					return nil, fmt.Errorf("wordexp: variable/command expansion is not supported: %q", command)
				}
				cur.WriteRune(runes[i])
				i++
			}
			if i >= len(runes) {
				return nil, fmt.Errorf("wordexp: unterminated quote in %q", command)
			}
			haveWord = true
		case r == ' ' || r == '\t':
			if haveWord {
				words = append(words, cur.String())
				cur.Reset()
				haveWord = false
			}
		case r == '$':
			return nil, fmt.Errorf("wordexp: undefined-variable/command expansion is not supported: %q", command)
		case strings.ContainsRune(disallowed, r):
			return nil, fmt.Errorf("wordexp: metacharacter %q is not supported: %q", r, command)
		default:
			cur.WriteRune(r)
			haveWord = true
		}
	}
	if haveWord {
		words = append(words, cur.String())
	}
	return words, nil
}
