package main

import cli "gopkg.in/urfave/cli.v1"

var groupFlag = cli.StringFlag{
	Name:   "group, g",
	EnvVar: "HDLT_GROUP",
	Value:  "public.toml",
	Usage:  "group definition of the conode to contact",
}

var keyFlag = cli.StringFlag{
	Name:  "key, k",
	Usage: "file holding the id and the private key of the user",
}

var epochFlag = cli.Int64Flag{
	Name:  "epoch, e",
	Usage: "epoch of the location",
}

var locationFlags = []cli.Flag{
	cli.Int64Flag{Name: "x", Usage: "x coordinate"},
	cli.Int64Flag{Name: "y", Usage: "y coordinate"},
}

var cmds = cli.Commands{
	{
		Name:      "keypair",
		Usage:     "create a key pair and register it in a key registry",
		ArgsUsage: "output-key-file",
		Action:    keypair,
		Flags: []cli.Flag{
			cli.Int64Flag{Name: "id", Usage: "id of the user"},
			cli.StringFlag{Name: "suite", Value: "Ed25519", Usage: "Ed25519 or secp256k1"},
			cli.StringFlag{Name: "keys", Value: "keys.toml", Usage: "key registry of the service"},
			cli.BoolFlag{Name: "ha", Usage: "create the key of the health authority"},
		},
	},
	{
		Name:   "nonce",
		Usage:  "ask for a fresh nonce",
		Action: getNonce,
		Flags: []cli.Flag{
			groupFlag,
			cli.Int64Flag{Name: "id", Usage: "id of the user"},
			cli.BoolFlag{Name: "ha", Usage: "nonce for the health authority"},
		},
	},
	{
		Name:   "prove",
		Usage:  "as a witness, prove the location of another user",
		Action: prove,
		Flags: append([]cli.Flag{
			groupFlag, keyFlag, epochFlag,
			cli.Int64Flag{Name: "prover, p", Usage: "id of the user to prove"},
		}, locationFlags...),
	},
	{
		Name:   "report",
		Usage:  "report the own location",
		Action: report,
		Flags: append([]cli.Flag{
			groupFlag, keyFlag, epochFlag,
			cli.IntFlag{Name: "difficulty", Usage: "bits of proof of work asked by the service"},
		}, locationFlags...),
	},
	{
		Name:   "location",
		Usage:  "show the certified location of a user",
		Action: location,
		Flags: []cli.Flag{
			groupFlag, epochFlag,
			cli.Int64Flag{Name: "user, u", Usage: "id of the user"},
			cli.StringFlag{Name: "ha", Usage: "key file of the health authority, to read the signed report"},
		},
	},
	{
		Name:   "colocated",
		Usage:  "show the witnesses of the certified location of a user",
		Action: coLocated,
		Flags: []cli.Flag{
			groupFlag, epochFlag,
			cli.Int64Flag{Name: "user, u", Usage: "id of the user"},
		},
	},
	{
		Name:   "at",
		Usage:  "as the health authority, show the users certified at a location",
		Action: usersAt,
		Flags: append([]cli.Flag{
			groupFlag, epochFlag,
			cli.StringFlag{Name: "ha", Usage: "key file of the health authority"},
		}, locationFlags...),
	},
	{
		Name:      "advance",
		Usage:     "close the current epoch of a conode",
		ArgsUsage: "private.toml",
		Action:    advance,
	},
}
