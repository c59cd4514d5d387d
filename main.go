package main

import "github.com/endorses/wdpool/cmd"

func main() {
	cmd.Execute()
}
