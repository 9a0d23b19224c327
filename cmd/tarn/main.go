//go:build linux || darwin
// +build linux darwin

package main

import (
	"fmt"
	"os"

	"github.com/nikandfor/cli"
	"github.com/nikandfor/tlog"

	"nikand.dev/go/tarn"
)

func main() {
	cli.App = cli.Command{
		Name:   "tarn",
		Before: before,
		Flags: []*cli.Flag{
			cli.NewFlag("verbocity,v", "", "tlog verbocity topics"),
			cli.NewFlag("detailed,vv", false, "detailed log"),
			cli.HelpFlag,
			cli.FlagfileFlag,
		},
		Commands: []*cli.Command{{
			Name:   "dump",
			Action: dump,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", ""),
			},
		}, {
			Name:   "verify",
			Action: verify,
			Flags: []*cli.Flag{
				cli.NewFlag("file,f", "", ""),
			},
		}},
	}

	cli.RunAndExit(os.Args)
}

func before(c *cli.Command) error {
	if c.Bool("vv") {
		tlog.DefaultLogger = tlog.New(tlog.NewConsoleWriter(tlog.Stderr, tlog.LdetFlags))
	}

	tlog.SetFilter(c.String("v"))

	return nil
}

func open(c *cli.Command) (*tarn.Store, error) {
	bk, err := tarn.OpenFile(c.String("file"), os.O_RDONLY)
	if err != nil {
		return nil, err
	}

	ps, err := tarn.NewFilePageStore(bk, 0)
	if err != nil {
		return nil, err
	}

	return tarn.New(ps, nil)
}

func dump(c *cli.Command) (err error) {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.Close()

	fmt.Printf("%v", tarn.DumpTree(s))

	return nil
}

func verify(c *cli.Command) (err error) {
	s, err := open(c)
	if err != nil {
		return err
	}
	defer s.Close()

	err = s.Verify()
	if err != nil {
		return err
	}

	fmt.Printf("ok\n")

	return nil
}
