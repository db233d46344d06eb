package main

import (
	"github.com/xkilldash9x/taskdroid/cmd"
)

func main() {
	cmd.Execute()
}
