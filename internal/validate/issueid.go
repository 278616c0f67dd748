package validate

import "regexp"

// issueIDRe matches the only characters allowed in an issue id forwarded to
// the beads CLI. Anything else is rejected before a subprocess is spawned.
var issueIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// IssueID reports whether s is a well-formed issue id.
func IssueID(s string) bool {
	return s != "" && issueIDRe.MatchString(s)
}
