// Command taskqueue publishes tasks to a durable work queue and runs workers
// that consume them.
package main

import (
	"os"

	"github.com/nimburion/taskqueue/pkg/cli"
)

func main() {
	os.Exit(cli.Execute(cli.NewRootCommand(cli.Options{})))
}
