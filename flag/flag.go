// Package flag is the command-line surface of the anyos-core tools.
package flag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"
)

// CLI is the kong command tree.
type CLI struct {
	Vmd     VmdCMD     `cmd:"" help:"Run the virtual machine daemon."`
	Compose ComposeCMD `cmd:"" help:"Run a compositor micro-benchmark."`
	Probe   ProbeCMD   `cmd:"" help:"Print core subsystem information."`
}

// Parse runs the selected subcommand.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("anyos-core"),
		kong.Description("anyos-core hosts the anyOS kernel model, compositor and VM monitor"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is
// optional; unit is used when the string carries none. The number can be
// any base and size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	switch unit {
	case "G", "g":
		return int(amt) << 30, nil
	case "M", "m":
		return int(amt) << 20, nil
	case "K", "k":
		return int(amt) << 10, nil
	case "":
		return int(amt), nil
	}

	return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
}
