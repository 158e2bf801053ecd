package identity

import "strings"

// DeriveName splits a free-text display name into first/last parts. One token
// becomes the first name; with more tokens the remainder joins into the last
// name. When no name is present the local part of the email (before @) is
// used as the first name.
func DeriveName(name, email string) (firstName, lastName string) {
	fields := strings.Fields(name)
	switch {
	case len(fields) == 1:
		return fields[0], ""
	case len(fields) > 1:
		return fields[0], strings.Join(fields[1:], " ")
	}

	if at := strings.Index(email, "@"); at > 0 {
		return email[:at], ""
	}
	return "", ""
}
