package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PromptConsent asks whether to accept the offered files. Anything but an
// explicit no accepts.
func PromptConsent(in io.Reader) bool {
	fmt.Fprint(out, "\n❓ Do you want to receive these files? [Y/n] ")
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer != "n" && answer != "no"
}
