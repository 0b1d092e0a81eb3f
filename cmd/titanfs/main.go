// Command titanfs is the command-line interface for TitanFS.
package main

import (
	"io/fs"

	"github.com/alecthomas/kong"
	"gitlab.com/tozd/go/cli"
	"gitlab.com/tozd/go/errors"

	"gitlab.com/titanfs/titanfs"
	"gitlab.com/titanfs/titanfs/dist"
)

func main() {
	var config titanfs.Config
	cli.Run(&config, kong.Vars{
		"defaultProxyTo":  titanfs.DefaultProxyTo,
		"defaultTLSCache": titanfs.DefaultTLSCache,
		"defaultSchema":   titanfs.DefaultSchema,
		"defaultTitle":    titanfs.DefaultTitle,
	}, func(ctx *kong.Context) errors.E {
		return errors.WithStack(ctx.Run(&config.Globals))
		// We have to use BindTo instead of passing it directly to Run because we are using an interface.
		// See: https://github.com/alecthomas/kong/issues/48
	}, kong.BindTo(dist.Files, (*fs.FS)(nil)))
}
