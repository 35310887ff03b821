// Copyright (C) 2021 - 2025 PurpleSec Team
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.
//

package main

import (
	"flag"
	"os"

	alternator "github.com/rmoriz/alternator"
)

var buildVersion = "unknown"

const version = "v1.0.0"

const usage = `Alternator ` + version + `: automatic alt-text for Mastodon-family media

Usage:
  -h         Print this help menu.
  -V         Print version string and exit.
  -f <file>  Configuration file path.
  -L <level> Log level override (error, warn, info, debug, trace).
  -v         Verbose; shorthand for "-L debug".
  -d         Dump the default configuration and exit.
`

func main() {
	var (
		args             = flag.NewFlagSet("alternator "+version+"_"+buildVersion, flag.ExitOnError)
		file, level      string
		dump, ver, vFlag bool
	)
	args.Usage = func() {
		os.Stderr.WriteString(usage)
		os.Exit(2)
	}
	args.StringVar(&file, "f", "", "")
	args.StringVar(&level, "L", "", "")
	args.BoolVar(&vFlag, "v", false, "")
	args.BoolVar(&dump, "d", false, "")
	args.BoolVar(&ver, "V", false, "")

	if err := args.Parse(os.Args[1:]); err != nil {
		os.Stderr.WriteString(usage)
		os.Exit(2)
	}

	if ver {
		os.Stdout.WriteString("Alternator: " + version + "_" + buildVersion + "\n")
		os.Exit(0)
	}

	if dump {
		os.Stdout.WriteString(alternator.Defaults)
		os.Exit(0)
	}

	if vFlag {
		level = "debug"
	}

	a, err := alternator.New(file, level)
	if err != nil {
		os.Stdout.WriteString("Error: " + err.Error() + "!\n")
		os.Exit(1)
	}

	if err := a.Run(); err != nil {
		os.Stdout.WriteString("Error: " + err.Error() + "!\n")
		os.Exit(1)
	}
}
