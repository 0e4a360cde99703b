package core

import (
	"fmt"
	"strings"
)

// bareSafe reports whether s can appear unquoted on a shell command line.
func bareSafe(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("-_./:=,+@", r):
		default:
			return false
		}
	}
	return true
}

// posixCommandLine joins name and args for /bin/sh -c. Elements that are
// not plain words are single-quoted, so the shell performs no expansion of
// $, backticks or backslashes.
func posixCommandLine(name string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		if bareSafe(a) {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

// windowsCommandLine builds the full command line handed to cmd.exe as
// `cmd.exe /S /C "<line>"`. Inside double quotes cmd.exe treats & | < > ^
// literally; a double quote, a percent sign (variable expansion) or a line
// break cannot be made literal and is rejected.
func windowsCommandLine(name string, args []string) (string, error) {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{name}, args...) {
		if strings.ContainsAny(a, "\"%\r\n") {
			return "", fmt.Errorf("argument %q cannot be passed through cmd.exe", a)
		}
		if bareSafe(a) {
			parts = append(parts, a)
			continue
		}
		parts = append(parts, `"`+a+`"`)
	}
	return `cmd.exe /S /C "` + strings.Join(parts, " ") + `"`, nil
}
