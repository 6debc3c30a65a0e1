// Command pollftpd hosts the FTP core: it parses the three external
// flags, binds and listens on the control port, wires in zero-downtime
// restart, and drives ftpd.Server until a shutdown signal arrives. The
// protocol engine and the reactor it runs on treat this file's output
// (a listening fd, a root path, a thread count) as their only inputs.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/cloudflare/tableflip"

	"github.com/nikliza/pollftpd/configure"
	"github.com/nikliza/pollftpd/ftpd"
)

// Flags is the core's entire external CLI surface (spec'd as exactly
// --port, --threads, --help); configure.Parse binds it by reflection the
// same way failmail's Config was bound from a file.
type Flags struct {
	Port    uint `help:"control-channel port to listen on" required:"true"`
	Threads int  `help:"worker goroutines draining the reactor"`
	Help    bool `help:"print usage and exit"`
}

func main() {
	os.Exit(run())
}

func run() int {
	flags := &Flags{Threads: runtime.NumCPU()}
	if err := configure.Parse(flags, "pollftpd: a minimal anonymous FTP server"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if flags.Help {
		return 1
	}

	l := logger("main")

	root, err := ftpRoot()
	if err != nil {
		l.Printf("couldn't prepare served root: %s", err)
		return 1
	}
	l.Printf("serving %s", root)

	upg, err := tableflip.New(tableflip.Options{})
	if err != nil {
		l.Printf("couldn't create upgrader: %s", err)
		return 1
	}
	defer upg.Stop()

	addr := fmt.Sprintf("127.0.0.1:%d", flags.Port)
	ln, err := upg.Listen("tcp", addr)
	if err != nil {
		l.Printf("couldn't listen on %s: %s", addr, err)
		if isBindFailure(err) {
			return 2
		}
		return 1
	}

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		l.Printf("listener on %s is not TCP", addr)
		return 1
	}
	lnFile, err := tcpLn.File()
	if err != nil {
		l.Printf("couldn't extract listening descriptor: %s", err)
		return 1
	}
	fd := int(lnFile.Fd())

	go func() {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		for range hup {
			if err := upg.Upgrade(); err != nil {
				l.Printf("upgrade failed: %s", err)
			}
		}
	}()
	if err := upg.Ready(); err != nil {
		l.Printf("tableflip not ready: %s", err)
	}

	srv := ftpd.NewServer(fd, root, flags.Threads, logger("ftpd"))
	srv.Start()

	shutdown := HandleSignals()
	select {
	case <-shutdown:
	case <-upg.Exit():
	}

	l.Printf("shutting down")
	srv.Stop()
	return 0
}

// ftpRoot returns the absolute directory pollftpd serves, creating it if
// necessary. There is no --root flag (spec.md's CLI names exactly three
// options); like the original, the served directory is a fixed location
// relative to the process's working directory.
func ftpRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	root := filepath.Clean(filepath.Join(cwd, "FTP"))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

func isBindFailure(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES)
}
