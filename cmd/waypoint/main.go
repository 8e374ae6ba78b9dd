// Command waypoint runs the session service and inspects stored sessions.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
