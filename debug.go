package isopage

import (
	"os"
)

var (
	debugLog bool
)

func init() {
	if os.Getenv("ISOPAGE_DEBUG") == "1" {
		debugLog = true
	}
}
