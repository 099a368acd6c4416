// Conode runs a server with the location service of HDLT. The service is
// configured by the TOML file given in the HDLT_CONFIG environment variable.
//
// First create the configuration of the server with:
//
//	./conode setup
//
// Then launch the daemon with:
//
//	./conode
package main

import (
	"os"

	"go.dedis.ch/hdlt"
	"go.dedis.ch/hdlt/location"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
	cli "gopkg.in/urfave/cli.v1"
)

const (
	// DefaultName is the name of the binary we produce and is used to create a directory
	// folder with this name
	DefaultName = "conode"

	// Version of this binary
	Version = "1.0"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = DefaultName
	cliApp.Usage = "run a location-proof server"
	cliApp.Version = Version
	serverFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: app.GetDefaultConfigFile(DefaultName),
			Usage: "configuration file of the server",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}

	cliApp.Commands = []cli.Command{
		{
			Name:    "setup",
			Aliases: []string{"s"},
			Usage:   "Setup server configuration (interactive)",
			Action: func(c *cli.Context) error {
				app.InteractiveConfig(hdlt.Suite, DefaultName)
				return nil
			},
		},
		{
			Name:   "server",
			Usage:  "Start the location server",
			Action: runServer,
			Flags:  serverFlags,
		},
		{
			Name:      "check",
			Usage:     "Check if the servers in the group definition run the location service",
			ArgsUsage: "group definition file",
			Action:    checkConfig,
		},
	}
	cliApp.Flags = serverFlags
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	cliApp.Action = runServer

	err := cliApp.Run(os.Args)
	log.ErrFatal(err)
}

func runServer(c *cli.Context) error {
	if _, err := location.ConfigFromEnv(); err != nil {
		return xerrors.Errorf("%s: %v", location.ConfigEnv, err)
	}
	app.RunServer(c.String("config"))
	return nil
}

// checkConfig asks every server of the group for its current epoch.
func checkConfig(c *cli.Context) error {
	if c.NArg() != 1 {
		return xerrors.New("please give the group definition file")
	}
	f, err := os.Open(c.Args().First())
	if err != nil {
		return xerrors.Errorf("couldn't open group file: %v", err)
	}
	defer f.Close()
	group, err := app.ReadGroupDescToml(f)
	if err != nil {
		return xerrors.Errorf("wrong group file: %v", err)
	}

	cl := location.NewClient()
	failed := 0
	for _, si := range group.Roster.List {
		e, err := cl.CurrentEpoch(si)
		if err != nil {
			log.Errorf("%s: %v", si.Address, err)
			failed++
			continue
		}
		log.Infof("%s: epoch %d", si.Address, e)
	}
	if failed > 0 {
		return xerrors.Errorf("%d of %d servers failed", failed, len(group.Roster.List))
	}
	return nil
}
