// Package cli formats terminal output for the command-line tools.
package cli

import (
	"os"
)

const (
	Reset  = "\033[0m"
	Bold   = "\033[1m"
	Dim    = "\033[2m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
)

// colorDisabled follows the NO_COLOR convention.
var colorDisabled = func() bool {
	_, set := os.LookupEnv("NO_COLOR")
	return set
}()

func Enabled() bool {
	return !colorDisabled
}

// Style wraps text in an ANSI code unless color is disabled.
func Style(text, code string) string {
	if !Enabled() {
		return text
	}
	return code + text + Reset
}

func CheckMark() string { return Style("✔", Green) }
func CrossMark() string { return Style("✘", Red) }
