package main

import "mediagrabber/cmd"

func main() {
	cmd.Execute()
}
