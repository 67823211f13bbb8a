package main

import "github.com/niels/reqpanel/internal/cmd"

func main() {
	cmd.Execute()
}
