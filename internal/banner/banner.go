// Package banner prints the startup banner and a small aligned
// configuration summary, the way every service under this tree
// announces itself before it starts accepting traffic.
package banner

import (
	"fmt"
	"strings"
)

const logo = `
======================================================================
 _     ____  _           _
| |__ |___ \| |__  _   _  __ _
| '_ \  __) | '_ \| | | |/ _' |
| |_) |/ __/| |_) | |_| | (_| |
|_.__/_____||_.__/ \__,_|\__,_|
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is a single label/value pair to display beneath the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Print displays the startup banner with the service name and
// configuration lines, labels aligned to the longest one.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Printf("%s\n", serviceName)

	maxLen := 0
	for _, c := range config {
		if len(c.Label) > maxLen {
			maxLen = len(c.Label)
		}
	}

	for _, c := range config {
		padding := strings.Repeat(" ", maxLen-len(c.Label))
		fmt.Printf("  %s%s : %s\n", c.Label, padding, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
