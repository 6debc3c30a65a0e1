package ftpd

import (
	"strings"

	p "github.com/nikliza/pollftpd/parse"
)

// Command is the parsed form of one \r\n-terminated control-channel
// line: a case-insensitive verb of up to four letters, and the argument
// bytes between the first space and the line terminator, if any.
type Command struct {
	Verb     string
	Argument string
	HasArg   bool
}

// commandGrammar builds the same way SMTPParser built an RFC 821/2821
// grammar out of `parse` combinators: label the pieces, compose with
// Series/Any. The FTP grammar is deliberately looser than SMTP's, since
// spec.md's command token is "whatever 1-4 letters precede the first
// space or CRLF" rather than an enumerated verb list — recognizing a verb
// and deciding whether it's implemented are kept as separate concerns, so
// an unrecognized verb still parses cleanly and reaches dispatch to be
// replied to as "500 Unknown command" rather than "501 Parse error".
func commandGrammar() p.Parser {
	verb := p.Label("verb", p.Regexp(`[A-Za-z]{1,4}`))
	space := p.Literal(" ")
	// Regexp never matches the empty string, so an empty Series stands in
	// for a zero-length argument ("USER \r\n").
	argument := p.Label("argument", p.Any(p.Regexp(`[^\r\n]+`), p.Series()))
	crlf := p.Literal("\r\n")

	withArgument := p.Series(verb, space, argument, crlf)
	bare := p.Series(verb, crlf)

	return p.Any(withArgument, bare)
}

var grammar = commandGrammar()

// ParseCommand parses line, which must be exactly one \r\n-terminated
// command (the prefix matched by a reactor ReadUntil call). ok is false
// if line doesn't even have a well-formed verb/terminator shape.
func ParseCommand(line string) (cmd Command, ok bool) {
	rest, node := grammar.Parse(line)
	if node == nil || rest != "" {
		return Command{}, false
	}

	if verb, found := node.Get("verb"); found {
		cmd.Verb = strings.ToUpper(verb.Text)
	}
	if arg, found := node.Get("argument"); found {
		cmd.Argument = arg.Text
		cmd.HasArg = true
	}
	return cmd, true
}
