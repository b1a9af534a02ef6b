package smtp

import (
	"errors"
	"strings"
)

// Errors for SMTP command processing
var (
	ErrBadSequence          = errors.New("bad sequence of commands")
	ErrUnexpectedEOF        = errors.New("connection closed before QUIT")
	ErrMessageTooLarge      = errors.New("message size exceeded")
	ErrTLSUnavailable       = errors.New("TLS not available")
	ErrUnsupportedMechanism = errors.New("unsupported authentication mechanism")
)

// Verb identifies an SMTP command.
type Verb int

const (
	VerbUnknown Verb = iota
	VerbEHLO
	VerbQUIT
	VerbMAIL
	VerbRCPT
	VerbDATA
	VerbNOOP
	VerbEXPN
	VerbVRFY
	VerbHELP
	VerbRSET
	VerbAUTH
	VerbSTARTTLS
)

// String returns the verb as it appears on the wire.
func (v Verb) String() string {
	switch v {
	case VerbEHLO:
		return "EHLO"
	case VerbQUIT:
		return "QUIT"
	case VerbMAIL:
		return "MAIL FROM"
	case VerbRCPT:
		return "RCPT TO"
	case VerbDATA:
		return "DATA"
	case VerbNOOP:
		return "NOOP"
	case VerbEXPN:
		return "EXPN"
	case VerbVRFY:
		return "VRFY"
	case VerbHELP:
		return "HELP"
	case VerbRSET:
		return "RSET"
	case VerbAUTH:
		return "AUTH"
	case VerbSTARTTLS:
		return "STARTTLS"
	default:
		return "UNKNOWN"
	}
}

// verbs maps the upper-cased command token (including the trailing colon
// for the envelope commands) to its Verb.
var verbs = map[string]Verb{
	"EHLO":       VerbEHLO,
	"HELO":       VerbEHLO,
	"QUIT":       VerbQUIT,
	"MAIL FROM:": VerbMAIL,
	"RCPT TO:":   VerbRCPT,
	"DATA":       VerbDATA,
	"NOOP":       VerbNOOP,
	"EXPN":       VerbEXPN,
	"VRFY":       VerbVRFY,
	"HELP":       VerbHELP,
	"RSET":       VerbRSET,
	"AUTH":       VerbAUTH,
	"STARTTLS":   VerbSTARTTLS,
}

// Command is one parsed client line.
type Command struct {
	Verb Verb
	// Param is the trimmed argument text. For VerbUnknown it holds the
	// whole line.
	Param    string
	HasParam bool
}

// ParseCommand turns a raw line (without CRLF) into a Command. When the
// line contains a colon, everything through the colon is the command token
// ("MAIL FROM:<a@b>"); otherwise the token ends at the first space. A
// colon that does not complete a verb makes the line VerbUnknown, except
// after EHLO or HELO where it belongs to an address literal.
// Lookups are case-insensitive. ParseCommand never fails: unrecognised
// input yields VerbUnknown.
func ParseCommand(line string) Command {
	if idx := strings.IndexByte(line, ':'); idx >= 0 {
		if verb, ok := lookupVerb(line[:idx+1]); ok {
			return newCommand(verb, line[idx+1:])
		}
		token, rest, _ := strings.Cut(line, " ")
		if verb, ok := lookupVerb(token); ok && verb == VerbEHLO {
			return newCommand(verb, rest)
		}
		return unknownCommand(line)
	}

	token, rest, _ := strings.Cut(line, " ")
	if verb, ok := lookupVerb(token); ok {
		return newCommand(verb, rest)
	}
	return unknownCommand(line)
}

func unknownCommand(line string) Command {
	return Command{Verb: VerbUnknown, Param: line, HasParam: line != ""}
}

func lookupVerb(token string) (Verb, bool) {
	verb, ok := verbs[strings.ToUpper(strings.TrimSpace(token))]
	return verb, ok
}

func newCommand(verb Verb, rest string) Command {
	rest = strings.TrimSpace(rest)
	return Command{Verb: verb, Param: rest, HasParam: rest != ""}
}

// extractAddress returns the text between the first '<' and the following
// '>'. ESMTP parameters after the closing bracket are ignored. Without
// brackets the first whitespace-delimited word is used.
func extractAddress(param string) string {
	if start := strings.IndexByte(param, '<'); start >= 0 {
		if end := strings.IndexByte(param[start+1:], '>'); end >= 0 {
			return param[start+1 : start+1+end]
		}
		return param[start+1:]
	}
	if fields := strings.Fields(param); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// SessionState is the position of a connection in the SMTP dialogue.
type SessionState int

const (
	StateGreeting  SessionState = iota // before the banner
	StateEHLO                          // waiting for EHLO
	StateStartTLS                      // STARTTLS advertised, waiting for it
	StateAuth                          // authentication required, not yet done
	StateMailFrom                      // waiting for MAIL FROM
	StateRecipient                     // MAIL FROM accepted, collecting RCPT TO
	StateQuit                          // terminal
)

// String returns a human-readable representation of the session state
func (s SessionState) String() string {
	switch s {
	case StateGreeting:
		return "GREETING"
	case StateEHLO:
		return "EHLO"
	case StateStartTLS:
		return "STARTTLS"
	case StateAuth:
		return "AUTH"
	case StateMailFrom:
		return "MAIL_FROM"
	case StateRecipient:
		return "RCPT_TO"
	case StateQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}
