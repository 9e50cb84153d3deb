package trigger

import (
	"fmt"
	"strings"
)

// HasWildcard reports whether a bus subject contains a * or > token.
func HasWildcard(subject string) bool {
	for _, tok := range strings.Split(subject, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// SubjectMatches reports whether subject is covered by pattern using NATS
// token rules: "*" matches one token, a final ">" matches one or more. When
// subject itself has wildcards the result says whether pattern covers every
// subject it does.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}
		if i >= len(st) || st[i] == ">" {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func validateSubject(subject string) error {
	toks := strings.Split(subject, ".")
	for i, tok := range toks {
		switch {
		case tok == "":
			return fmt.Errorf("subject %q has an empty token", subject)
		case strings.ContainsAny(tok, " \t\r\n"):
			return fmt.Errorf("subject %q contains whitespace", subject)
		case tok == ">" && i != len(toks)-1:
			return fmt.Errorf("subject %q: '>' must be the last token", subject)
		case tok != "*" && tok != ">" && strings.ContainsAny(tok, "*>"):
			return fmt.Errorf("subject %q: wildcards must be whole tokens", subject)
		}
	}
	return nil
}
