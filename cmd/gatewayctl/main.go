// Command gatewayctl manages the gateway's account pool from the shell.
//
//	gatewayctl accounts add me@example.com --password-stdin < pw.txt
//	gatewayctl accounts list
//	gatewayctl cookies set ssxmod_itna=...
//
// It reads the same configuration as the gateway.
package main

import (
	"os"

	"github.com/nulpointcorp/qwen-gateway/internal/cli"
)

// version is overridden at build time via -ldflags="-X main.version=x.y.z".
var version = "0.1.0"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
