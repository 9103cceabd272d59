package main

import "github.com/tartarus-sandbox/tartarus-vmm/cmd/tartarus-vmm/cmd"

func main() {
	cmd.Execute()
}
