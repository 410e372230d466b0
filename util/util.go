package util

import (
	"math/rand"
	"strings"
	"time"
)

var letterRunes = []rune("abcdefghijklmnopqrstuvwxyz")

func Randstring(n int) string {
	rand := rand.New(rand.NewSource(time.Now().UnixNano()))
	b := make([]rune, n)
	for i := range b {
		b[i] = letterRunes[rand.Intn(len(letterRunes))]
	}
	return string(b)
}

// Quote a string so it is passed to a POSIX shell as a single word.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func LastNonEmptyLine(out []byte) string {
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if len(strings.TrimSpace(lines[i])) > 0 {
			return lines[i]
		}
	}
	return ""
}

// Returns the trimmed value after the first colon of the first line containing key, or "" if no line matches.
func ValueAfterColon(out []byte, key string) string {
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, key) {
			continue
		}
		_, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		return strings.TrimSpace(value)
	}
	return ""
}
