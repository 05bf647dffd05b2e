package main

import "github.com/smarthome-bridges/haier-evo/cmd"

func main() {
	cmd.Execute()
}
