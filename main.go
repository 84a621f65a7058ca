package main

import (
	"github.com/sidkik/mpysync/cmd"
	"github.com/sidkik/mpysync/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
