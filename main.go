// minechat CLI entry point
package main

import (
	"runtime/debug"

	"github.com/batalabs/minechat/internal/cli"
)

var version = "dev"

func init() {
	if version != "dev" {
		return
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
}

func main() {
	cli.Execute(version)
}
