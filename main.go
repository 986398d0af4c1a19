package main

import "github.com/idiv-biodiversity/mmdu/cmd"

func main() {
	cmd.Execute()
}
