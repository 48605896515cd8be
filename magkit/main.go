package main

import (
	"os"

	"github.com/Doomsbay/MagKit/magkit/cmd"
)

func main() {
	cmd.Execute(os.Args[1:])
}
