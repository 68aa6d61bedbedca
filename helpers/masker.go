package helpers

import "strings"

// MaskSensitive redacts credentials from a command line before it is logged.
// It handles tagged IMAP lines ("a1 LOGIN user pass"), POP3 PASS and the
// AUTH/AUTHENTICATE forms that carry an initial response.
func MaskSensitive(line, command string, sensitiveCommands ...string) string {
	isSensitive := false
	for _, cmd := range sensitiveCommands {
		if strings.EqualFold(command, cmd) {
			isSensitive = true
			break
		}
	}
	if !isSensitive {
		return line
	}

	parts := strings.Fields(line)
	cmdIndex := -1
	for i, p := range parts {
		if strings.EqualFold(p, command) {
			cmdIndex = i
			break
		}
	}
	if cmdIndex == -1 {
		return line
	}

	// PASS <secret>; LOGIN <user> <secret>; AUTH(ENTICATE) <mech> <secret>
	keep := cmdIndex + 2
	if strings.EqualFold(command, "PASS") {
		keep = cmdIndex + 1
	}
	if len(parts) > keep {
		return strings.Join(parts[:keep], " ") + " [REDACTED]"
	}
	return line
}
