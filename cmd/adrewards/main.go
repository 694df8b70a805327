package main

import "github.com/tutu-network/adrewards/internal/cli"

func main() {
	cli.Execute()
}
