// Package info provides utility functions for manipulating info lines returned
// by the modem in response to AT commands.
package info

import "strings"

// HasPrefix returns true if the line begins with the info prefix for the command.
func HasPrefix(line, cmd string) bool {
	return strings.HasPrefix(line, cmd+":")
}

// TrimPrefix removes the command  prefix, if any, and any intervening space
// from the info line.
func TrimPrefix(line, cmd string) string {
	return strings.TrimLeft(strings.TrimPrefix(line, cmd+":"), " ")
}

// Fields splits the info line, with the command prefix removed, into its
// comma separated fields.
//
// Commas within quoted strings do not split fields, and the quotes are
// retained. Space surrounding each field is trimmed.
func Fields(line, cmd string) []string {
	line = TrimPrefix(line, cmd)
	var fields []string
	quoted := false
	start := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				fields = append(fields, strings.TrimSpace(line[start:i]))
				start = i + 1
			}
		}
	}
	return append(fields, strings.TrimSpace(line[start:]))
}

// Unquote removes the double quotes surrounding a field, if any.
func Unquote(field string) string {
	if len(field) >= 2 && field[0] == '"' && field[len(field)-1] == '"' {
		return field[1 : len(field)-1]
	}
	return field
}
