package main

import (
	"fmt"
	"log"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/sirupsen/logrus"
)

const CodeSyncCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", 0)
}

func main() {
	usage := `Collaborative code editor control.

The token can also be given with the CODESYNC_TOKEN environment variable.
The default server is http://localhost:8080.

Usage:
    codesyncctl session [--server=<url>] [--name=<name>]
    codesyncctl login [--server=<url>] --user=<username>
    codesyncctl create-room [--server=<url>] [--token=<token>] [--name=<room_name>] [--private] [--max-users=<n>]
    codesyncctl tree [--server=<url>] [--token=<token>] <room>
    codesyncctl cat [--server=<url>] [--token=<token>] <room> <path>
    codesyncctl write [--server=<url>] [--token=<token>] <room> <path> [<file>]
    codesyncctl mkdir [--server=<url>] [--token=<token>] <room> <path>
    codesyncctl rm [--server=<url>] [--token=<token>] <room> <path>
    codesyncctl mv [--server=<url>] [--token=<token>] <room> <src> <dst>
    codesyncctl chat [--server=<url>] [--token=<token>] <room> [<message>]
    codesyncctl export [--server=<url>] [--token=<token>] <room> <zipfile>
    codesyncctl import [--server=<url>] [--token=<token>] <room> <zipfile>
    codesyncctl compile [--server=<url>] [--token=<token>] <room> <path>
    codesyncctl analyze [--server=<url>] [--token=<token>] <room> <path>
    codesyncctl -h | --help
    codesyncctl --version

Options:
    -h --help              Show this screen.
    --version              Show version.
    --server=<url>         Server base url.
    --token=<token>        Session token from "session" or "login".
    --name=<name>          Display name (session) or room name (create-room).
    --user=<username>      Account user name. The password is read from the terminal.
    --private              Create a private room.
    --max-users=<n>        Maximum number of members.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CodeSyncCtlVersion)
	if err != nil {
		panic(err)
	}
	logrus.SetOutput(os.Stderr)
	logrus.SetLevel(logrus.WarnLevel)

	commands := []struct {
		name string
		run  func(docopt.Opts) error
	}{
		{"session", guestSession},
		{"login", login},
		{"create-room", createRoom},
		{"tree", tree},
		{"cat", cat},
		{"write", write},
		{"mkdir", mkdir},
		{"rm", remove},
		{"mv", move},
		{"chat", chat},
		{"export", exportRoom},
		{"import", importRoom},
		{"compile", compile},
		{"analyze", analyze},
	}
	for _, c := range commands {
		if selected, _ := opts.Bool(c.name); selected {
			if err := c.run(opts); err != nil {
				Err.Printf("%s: %v", c.name, err)
				os.Exit(1)
			}
			return
		}
	}
	fmt.Fprintln(os.Stderr, usage)
	os.Exit(2)
}
