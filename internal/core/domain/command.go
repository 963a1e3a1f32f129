package domain

import "strings"

// ParseCommandArgs returns everything after the command word.
func ParseCommandArgs(args string) string {
	command := strings.Fields(args)
	if len(command) < 2 {
		return ""
	}

	return strings.Join(command[1:], " ")
}

// ParseCommand returns the command word, without any @botname suffix.
func ParseCommand(args string) string {
	command := strings.Fields(args)
	if len(command) == 0 {
		return ""
	}

	cmd, _, _ := strings.Cut(command[0], "@")
	return cmd
}
