package main

import "github.com/mreis/archivum/cmd"

func main() {
	cmd.Execute()
}
