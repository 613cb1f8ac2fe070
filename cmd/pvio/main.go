// pvio drives the paravirtual transport against a simulated hypervisor.
package main

import (
	"github.com/alecthomas/kong"

	"github.com/frobware/go-pvio/cmd/pvio/cli"
)

func main() {
	var c cli.CLI
	ctx := kong.Parse(&c, cli.KongOptions()...)
	ctx.FatalIfErrorf(ctx.Run(&c))
}
