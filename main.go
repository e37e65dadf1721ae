package main

import "github.com/TFMV/furydrop/cmd"

func main() {
	cmd.Execute()
}
