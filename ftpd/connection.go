// Package ftpd is the per-connection FTP protocol engine and the Server
// that owns a listening descriptor and a pool of such connections. It is
// the Go port of the original's ftp::Connection/ftp::Server: the same
// completion-chain shape of nested closures, each of which checks the
// connection's shared *atomic.Bool liveness flag before touching it.
package ftpd

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nikliza/pollftpd/reactor"
)

// maxCommandLine bounds how large the control-read buffer may grow while
// looking for a "\r\n"; reaching it without a match is reactor capacity
// exhaustion (spec's -ENOMEM case) and terminates the connection.
const maxCommandLine = 4096

// Connection is a single client's FTP protocol state machine. Identity
// is the accepted control descriptor fd; ldfd is the passive listener
// (−1 until the first PASV, then reused for the connection's lifetime);
// tfd is the in-flight data-transfer descriptor (−1 outside a transfer).
type Connection struct {
	fd   int
	ldfd int
	tfd  int
	file *os.File
	cmd  *exec.Cmd

	msg  []byte
	root string

	addr     *unix.SockaddrInet4
	pasvAddr unix.SockaddrInet4

	authenticated bool

	alive   *atomic.Bool
	engine  *reactor.Engine
	log     *log.Logger
	onClose func(*Connection)
}

func newConnection(fd int, engine *reactor.Engine, root string, logger *log.Logger, onClose func(*Connection)) (*Connection, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set non-blocking: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, fmt.Errorf("control socket is not IPv4")
	}

	alive := new(atomic.Bool)
	alive.Store(true)

	return &Connection{
		fd:      fd,
		ldfd:    -1,
		tfd:     -1,
		root:    root,
		addr:    in4,
		alive:   alive,
		engine:  engine,
		log:     logger,
		onClose: onClose,
	}, nil
}

// Start sends the greeting and arms the first control read. It mirrors
// the source's Connection::start(), which is just reply("220 Hello!").
func (c *Connection) Start() {
	c.reply(220, "Hello!")
}

func (c *Connection) killSelf() {
	if !c.alive.CompareAndSwap(true, false) {
		return
	}
	unix.Close(c.fd)
	if c.tfd >= 0 {
		unix.Close(c.tfd)
	}
	if c.ldfd >= 0 {
		unix.Close(c.ldfd)
	}
	if c.file != nil {
		c.file.Close()
	}
	if c.onClose != nil {
		c.onClose(c)
	}
}

// send writes a raw string to the control channel without re-arming the
// control read afterward; used for replies that aren't the final word of
// a command (e.g. "150 Opening data connection", which is immediately
// followed by an accept on the data listener, not a return to the
// command loop).
func (c *Connection) send(text string, cb reactor.Callback) {
	c.engine.Write(c.fd, []byte(text), cb)
}

// reply writes a formatted "<code> <text>\r\n" response and, once the
// write completes, re-arms the control-channel read — the completion
// chain the source calls m_defaultBehavior. Every reply that ends a
// command's processing (as opposed to beginning a transfer) goes through
// here.
func (c *Connection) reply(code int, text string) {
	line := fmt.Sprintf("%d %s\r\n", code, text)
	c.send(line, func(res int) {
		if !c.alive.Load() {
			return
		}
		if res < 0 {
			c.killSelf()
			return
		}
		c.armControlRead()
	})
}

func (c *Connection) armControlRead() {
	c.msg = c.msg[:0]
	c.engine.ReadUntil(c.fd, &c.msg, []byte("\r\n"), maxCommandLine, func(res int) {
		if !c.alive.Load() {
			return
		}
		if res <= 0 {
			c.killSelf()
			return
		}
		line := string(c.msg[:res])
		remainder := append([]byte(nil), c.msg[res:]...)
		c.msg = remainder
		c.dispatch(line)
	})
}

func (c *Connection) quit() {
	c.send("221 Bye!\r\n", func(int) {
		c.killSelf()
	})
}

func (c *Connection) dispatch(line string) {
	cmd, ok := ParseCommand(line)
	if !ok {
		// The original never rejects a line at the grammar level: the
		// command token is just whatever precedes the first space or
		// the terminator, however long or short. A line this grammar
		// can't recognize as a well-formed up-to-4-letter verb still
		// reaches the same pre-auth/unknown-command fork as a verb it
		// does recognize but doesn't implement.
		if !c.authenticated {
			c.reply(530, "Not logged in")
			return
		}
		c.reply(500, "Unknown command")
		return
	}

	switch cmd.Verb {
	case "USER":
		c.handleUSER(cmd)
		return
	case "QUIT":
		c.quit()
		return
	case "NOOP":
		c.reply(200, "Ok")
		return
	}

	if !c.authenticated {
		c.reply(530, "Not logged in")
		return
	}

	switch cmd.Verb {
	case "TYPE":
		c.handleTYPE(cmd)
	case "MODE":
		c.handleMODE(cmd)
	case "STRU":
		c.handleSTRU(cmd)
	case "PASV":
		c.pasv()
	case "PWD":
		c.reply(257, "/")
	case "RETR":
		c.handleTransferCommand(cmd, c.retr)
	case "STOR":
		c.handleTransferCommand(cmd, c.stor)
	case "LIST":
		c.handleLIST(cmd)
	default:
		c.reply(500, "Unknown command")
	}
}

func (c *Connection) handleUSER(cmd Command) {
	if !cmd.HasArg || cmd.Argument == "" {
		c.reply(501, "Please, specify a username")
		return
	}
	if strings.EqualFold(cmd.Argument, "anonymous") {
		c.authenticated = true
		c.reply(230, "Log in successful")
		return
	}
	c.authenticated = false
	c.reply(501, "Incorrect user name")
}

func (c *Connection) handleTYPE(cmd Command) {
	arg := cmd.Argument
	switch {
	case len(arg) == 1 && strings.ContainsRune("AEIL", rune(arg[0])):
		c.typeChanged(arg[0], 'N')
	case len(arg) == 3 && arg[1] == ' ' && strings.ContainsRune("AEIL", rune(arg[0])) && strings.ContainsRune("NTC", rune(arg[2])):
		c.typeChanged(arg[0], arg[2])
	default:
		c.reply(501, "Invalid argument")
	}
}

func (c *Connection) typeChanged(representation, format byte) {
	if representation != 'A' || format != 'N' {
		c.reply(504, "Command not implemented for specified value")
		return
	}
	c.reply(200, "Type changed")
}

func (c *Connection) handleMODE(cmd Command) {
	if len(cmd.Argument) != 1 {
		c.reply(501, "Please, specify the mode")
		return
	}
	if !strings.ContainsRune("SBC", rune(cmd.Argument[0])) {
		c.reply(501, "Invalid mode")
		return
	}
	if cmd.Argument[0] != 'S' {
		c.reply(504, "Command not implemented for specified value")
		return
	}
	c.reply(200, "Type changed")
}

func (c *Connection) handleSTRU(cmd Command) {
	if len(cmd.Argument) != 1 {
		c.reply(501, "Please, specify the mode")
		return
	}
	if !strings.ContainsRune("FRP", rune(cmd.Argument[0])) {
		c.reply(501, "Invalid structure")
		return
	}
	if cmd.Argument[0] != 'F' {
		c.reply(504, "Command not implemented for specified value")
		return
	}
	c.reply(200, "Type changed")
}

func (c *Connection) pasv() {
	if c.ldfd < 0 {
		fd, err := c.openPassiveListener()
		if err != nil {
			c.log.Printf("pasv: %s", err)
			c.reply(425, "Cannot open data connection")
			return
		}
		c.ldfd = fd
	}

	a := c.pasvAddr.Addr
	port := c.pasvAddr.Port
	c.reply(227, fmt.Sprintf("Entering passive mode (%d,%d,%d,%d,%d,%d)",
		a[0], a[1], a[2], a[3], (port>>8)&0xFF, port&0xFF))
}

func (c *Connection) openPassiveListener() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set non-blocking: %w", err)
	}

	addr := *c.addr
	addr.Port = 0
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 15); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("getsockname: %w", err)
	}
	in4, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, fmt.Errorf("passive listener is not IPv4")
	}

	c.pasvAddr = *in4
	return fd, nil
}

func (c *Connection) handleTransferCommand(cmd Command, handler func(target string)) {
	if !cmd.HasArg || cmd.Argument == "" {
		c.reply(501, "Please, specify the path")
		return
	}
	name, err := validatePath(cmd.Argument)
	if err != nil {
		c.reply(501, "Invalid path")
		return
	}
	handler(c.resolve(name))
}

func (c *Connection) handleLIST(cmd Command) {
	if !cmd.HasArg || cmd.Argument == "" {
		// Reproduces the source's quirk of listing the served root's
		// parent directory when LIST is given no argument.
		c.list(filepath.Dir(c.root))
		return
	}
	name, err := validatePath(cmd.Argument)
	if err != nil {
		c.reply(501, "Invalid path")
		return
	}
	c.list(c.resolve(name))
}

func (c *Connection) resolve(name string) string {
	if name == "." {
		return c.root
	}
	return filepath.Join(c.root, name)
}

func (c *Connection) retr(target string) {
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		c.reply(534, "Request denied")
		return
	}
	file, err := os.Open(target)
	if err != nil {
		c.reply(534, "Request denied")
		return
	}
	c.file = file
	c.sendFile(file, func() { c.file = nil })
}

func (c *Connection) stor(target string) {
	// The parent-equals-root check is implicit: validatePath only
	// accepts single-component names, so resolve(name) is a direct child
	// of root, or root itself for ".", which OpenFile then refuses as a
	// directory. What remains, and what reproduces the
	// source's existence-required quirk, is requiring the file to
	// already exist (so STOR can only overwrite, never create).
	if _, err := os.Stat(target); err != nil {
		c.reply(534, "Request denied")
		return
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		c.reply(534, "Request denied")
		return
	}
	c.file = file
	c.recvFile(file, func() { c.file = nil })
}

func (c *Connection) list(target string) {
	// The original only ever lists root's parent directory. Even
	// "LIST ." or "LIST <name>" naming root itself is denied, since
	// list() compares the lexically normalized target against
	// root.parent_path() and nothing else.
	if filepath.Clean(target) != filepath.Dir(c.root) {
		c.reply(534, "Request denied")
		return
	}
	info, err := os.Lstat(target)
	if err != nil || !info.IsDir() || info.Mode()&os.ModeSymlink != 0 {
		c.reply(534, "Request denied")
		return
	}

	cmd := exec.Command("ls", "-l", target)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.reply(534, "Request denied")
		return
	}
	file, ok := stdout.(*os.File)
	if !ok {
		c.reply(534, "Request denied")
		return
	}
	if err := cmd.Start(); err != nil {
		c.reply(534, "Request denied")
		return
	}
	if err := unix.SetNonblock(int(file.Fd()), true); err != nil {
		cmd.Process.Kill()
		c.reply(534, "Request denied")
		return
	}

	c.file = file
	c.cmd = cmd
	c.sendFile(file, func() {
		c.file = nil
		cmd.Wait()
		c.cmd = nil
	})
}

// sendFile drives the RETR/LIST outbound transfer: "150 ...", accept on
// the passive listener, then block-wise read/translate/write until file
// EOF or an error, ending with the transfer's final control reply.
func (c *Connection) sendFile(file *os.File, onDone func()) {
	c.reply150AndAccept(func(dataFd int) {
		c.tfd = dataFd
		c.sendBlock(file, onDone)
	})
}

func (c *Connection) sendBlock(file *os.File, onDone func()) {
	buf := make([]byte, 500)
	n, err := file.Read(buf)
	if err != nil && err != io.EOF {
		c.finishTransfer(file, onDone)
		c.reply(450, "File action not taken")
		return
	}
	if n == 0 {
		c.finishTransfer(file, onDone)
		c.reply(250, "Transfer complete")
		return
	}

	block := translateOutboundEOL(buf[:n])
	c.engine.Write(c.tfd, block, func(res int) {
		if !c.alive.Load() {
			return
		}
		if res < 0 {
			c.finishTransfer(file, onDone)
			c.reply(426, "Transfer aborted due to connection close")
			return
		}
		c.sendBlock(file, onDone)
	})
}

// recvFile drives the STOR inbound transfer: "150 ...", accept, then
// block-wise read/translate/write until the client closes the data
// channel.
func (c *Connection) recvFile(file *os.File, onDone func()) {
	c.reply150AndAccept(func(dataFd int) {
		c.tfd = dataFd
		c.recvBlock(file, onDone)
	})
}

func (c *Connection) recvBlock(file *os.File, onDone func()) {
	buf := make([]byte, 500)
	c.engine.ReadSome(c.tfd, buf, func(res int) {
		if !c.alive.Load() {
			return
		}
		if res < 0 {
			c.finishTransfer(file, onDone)
			c.reply(426, "Transfer aborted due to connection close")
			return
		}

		block := translateInboundEOL(buf[:res])
		if _, err := file.Write(block); err != nil {
			c.finishTransfer(file, onDone)
			c.reply(450, "File action not taken")
			return
		}
		if res == 0 {
			c.finishTransfer(file, onDone)
			c.reply(250, "Transfer complete")
			return
		}
		c.recvBlock(file, onDone)
	})
}

func (c *Connection) reply150AndAccept(onAccept func(dataFd int)) {
	c.send("150 Opening data connection\r\n", func(res int) {
		if !c.alive.Load() {
			return
		}
		if res < 0 {
			c.killSelf()
			return
		}
		c.engine.Accept(c.ldfd, func(res int) {
			if !c.alive.Load() {
				return
			}
			if res < 0 {
				c.reply(425, "Cannot open data connection")
				return
			}
			onAccept(res)
		})
	})
}

func (c *Connection) finishTransfer(file *os.File, onDone func()) {
	if c.tfd >= 0 {
		unix.Close(c.tfd)
		c.tfd = -1
	}
	file.Close()
	if onDone != nil {
		onDone()
	}
}
