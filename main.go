package main

import (
	"github.com/andresmejia3/hardhat/cmd"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
