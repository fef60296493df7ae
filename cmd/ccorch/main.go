// Command ccorch drives coding-agent sessions through persistent queues and
// dependency-aware session groups.
package main

import (
	"os"

	"github.com/Iron-Ham/ccorch/internal/cmd"
)

func main() {
	os.Exit(cmd.Main())
}
