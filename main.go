package main

import (
	_ "time/tzdata"

	"github.com/abdelmounim-dev/tasksync/cmd"
)

func main() {
	cmd.Execute()
}
