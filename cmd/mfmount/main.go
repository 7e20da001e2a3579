// Command mfmount is the CLI companion to mfmountd: it initializes a
// base directory's configuration and sends control commands
// ("status", "flush", "rebuild") to a running daemon over its control
// socket, mirroring the subcommand-dispatch-via-flag shape of the
// teacher's cmd/muscle/muscle.go.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mfmount/mfmount/internal/config"
	log "github.com/sirupsen/logrus"
)

var (
	// Set at build time with -ldflags '-X main.version=something'.
	version = "unknown"

	globalContext struct {
		base     string
		logLevel string
	}
)

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&globalContext.base, "base", config.DefaultBaseDirectoryPath, "`directory` for caches, configuration, logs, etc.")
	var levels []string
	for _, l := range log.AllLevels {
		levels = append(levels, l.String())
	}
	fs.StringVar(&globalContext.logLevel, "verbosity", "warning", "sets the log `level`, among "+strings.Join(levels, ", "))
	return fs
}

func exitUsage(msg string) {
	_, _ = fmt.Fprintln(os.Stderr, msg)
	_, _ = fmt.Fprintf(os.Stderr, `Usage: %s COMMAND [ARGS]

Commands:

	init: create an initial configuration file in the base directory

	status: print the daemon's current remote-sync revision

	flush: ask the daemon to write a snapshot of the in-memory store now

	rebuild: ask the daemon to discard and re-fetch the whole tree from the remote

	version: print the build version
`, os.Args[0])
	os.Exit(2)
}

func main() {
	emptyFlags := newFlagSet("empty")

	if len(os.Args) < 2 {
		exitUsage("Command name required")
	}

	switch cmd := os.Args[1]; cmd {
	case "init", "status", "flush", "rebuild", "version":
		_ = emptyFlags.Parse(os.Args[2:])
		if narg := emptyFlags.NArg(); narg != 0 {
			exitUsage(fmt.Sprintf("%s: no args expected, got %d", cmd, narg))
		}
	default:
		exitUsage(fmt.Sprintf("%q: command not recognized", cmd))
	}

	log.SetOutput(os.Stderr)
	ll, err := log.ParseLevel(globalContext.logLevel)
	if err != nil {
		log.Fatalf("Could not parse log level %q: %v", globalContext.logLevel, err)
	}
	log.SetLevel(ll)

	if os.Args[1] == "version" {
		fmt.Println(version)
		return
	}

	// init is special: it must create configuration, not use it.
	if os.Args[1] == "init" {
		if err := config.Initialize(globalContext.base); err != nil {
			log.Fatalf("Could not initialize config in %q: %v", globalContext.base, err)
		}
		return
	}

	cfg, err := config.Load(globalContext.base)
	if err != nil {
		log.Fatalf("Could not load config from %q: %v", globalContext.base, err)
	}

	reply, err := sendControlCommand(cfg.ListenNet, cfg.ListenAddr, os.Args[1])
	if err != nil {
		log.Fatalf("Could not send %q to daemon: %v", os.Args[1], err)
	}
	fmt.Println(reply)
}

func sendControlCommand(network, addr, cmd string) (string, error) {
	var conn net.Conn
	var err error
	if network == "unix" {
		conn, err = net.Dial("unix", addr)
	} else {
		conn, err = net.Dial(network, addr)
	}
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	if _, err := fmt.Fprintln(conn, cmd); err != nil {
		return "", err
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("daemon closed connection without a reply")
	}
	return scanner.Text(), nil
}
