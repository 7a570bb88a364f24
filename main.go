package main

import (
	"github.com/gruntwork-io/go-commons/entrypoint"
	"github.com/opsdrift/ami-keeper/commands"
)

// VERSION - Set at build time
var VERSION string

func main() {
	app := commands.CreateCli(VERSION)
	entrypoint.RunApp(app)
}
