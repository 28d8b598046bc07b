package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/ripple-mail/internal/address"
	"github.com/shineum/ripple-mail/internal/delivery"
	"github.com/shineum/ripple-mail/internal/metrics"
)

// phase is the position of a session in the SMTP transaction.
type phase int

const (
	phaseInit phase = iota
	phaseGreeted
	phaseSenderSet
	phaseRecipientSet
	phaseInData
)

func (p phase) String() string {
	switch p {
	case phaseInit:
		return "init"
	case phaseGreeted:
		return "greeted"
	case phaseSenderSet:
		return "sender-set"
	case phaseRecipientSet:
		return "recipient-set"
	case phaseInData:
		return "in-data"
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

// maxLineLength bounds a single command or data line.
const maxLineLength = 64 * 1024

var errLineTooLong = errors.New("line too long")

// Deliverer accepts a completed SMTP transaction.
type Deliverer interface {
	Accept(ctx context.Context, env delivery.Envelope) (*delivery.Result, error)
}

// handler processes one command and reports whether the session should end.
type handler func(s *Session, ctx context.Context, arg string) bool

// commands is the dispatch table keyed by upper-case verb.
var commands = map[string]handler{
	"HELO":     (*Session).handleHELO,
	"EHLO":     (*Session).handleEHLO,
	"MAIL":     (*Session).handleMAIL,
	"RCPT":     (*Session).handleRCPT,
	"DATA":     (*Session).handleDATA,
	"RSET":     (*Session).handleRSET,
	"STARTTLS": (*Session).handleSTARTTLS,
	"NOOP":     (*Session).handleNOOP,
	"HELP":     (*Session).handleHELP,
	"QUIT":     (*Session).handleQUIT,
	"VRFY":     (*Session).handleNotImplemented,
	"EXPN":     (*Session).handleNotImplemented,
	"AUTH":     (*Session).handleNotImplemented,
}

// Session represents a single SMTP client connection and owns its protocol
// state. It is not safe for concurrent use.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	cfg    *ServerConfig
	logger *slog.Logger

	phase phase
	verb  string // command being answered, for metrics

	// Current transaction
	helo      string
	mailFrom  string
	rcptTo    []string
	dataLines []string
	dataSize  int64
	oversized bool
}

// NewSession creates a new SMTP session for the given connection. cfg must
// have been normalized by New.
func NewSession(conn net.Conn, cfg *ServerConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		cfg:    cfg,
		logger: logger,
		phase:  phaseInit,
	}
}

// Handle runs the SMTP session, processing lines until the client quits,
// disconnects, idles out or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Unblock the pending read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	s.verb = "CONNECT"
	s.reply(220, "%s %s", s.cfg.Hostname, s.cfg.Banner)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			s.replyClosing("Service shutting down")
			return
		}

		line, err := s.readLine()
		if errors.Is(err, errLineTooLong) {
			if s.phase == phaseInData {
				s.oversized = true
				continue
			}
			s.verb = "unknown"
			s.reply(500, "Line too long")
			continue
		}
		if err != nil {
			var ne net.Error
			switch {
			case ctx.Err() != nil:
				s.replyClosing("Service shutting down")
			case errors.As(err, &ne) && ne.Timeout():
				s.logger.Debug("idle timeout", "phase", s.phase)
				s.replyClosing("Idle timeout, closing connection")
			case !errors.Is(err, io.EOF):
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		if s.process(ctx, line) {
			return
		}
	}
}

// process handles one line. A panic in a handler is answered with 451 and
// aborts the transaction but keeps the connection.
func (s *Session) process(ctx context.Context, line string) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while handling command",
				"verb", s.verb,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			s.resetTransaction()
			s.reply(451, "Requested action aborted: local error in processing")
			done = false
		}
	}()

	if s.phase == phaseInData {
		s.verb = "DATA"
		s.handleDataLine(ctx, line)
		return false
	}

	if line == "" {
		return false
	}

	cmd, arg := parseCommand(line)
	h, ok := commands[cmd]
	if !ok {
		s.verb = "unknown"
		s.reply(502, "Command not recognized")
		return false
	}
	s.verb = cmd
	return h(s, ctx, arg)
}

// handleHELO processes the HELO command.
func (s *Session) handleHELO(_ context.Context, arg string) bool {
	if arg == "" {
		s.reply(501, "Syntax: HELO hostname")
		return false
	}
	s.greet(arg)
	s.reply(250, "%s Hello %s", s.cfg.Hostname, arg)
	return false
}

// handleEHLO processes the EHLO command and lists the extensions.
func (s *Session) handleEHLO(_ context.Context, arg string) bool {
	if arg == "" {
		s.reply(501, "Syntax: EHLO hostname")
		return false
	}
	s.greet(arg)
	s.replyLines(250,
		fmt.Sprintf("%s Hello %s", s.cfg.Hostname, arg),
		"8BITMIME",
		fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize),
		"HELP",
	)
	return false
}

// greet records the client identity and starts a fresh transaction.
func (s *Session) greet(identity string) {
	s.resetTransaction()
	s.helo = identity
	s.phase = phaseGreeted
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(_ context.Context, arg string) bool {
	if !hasPrefixFold(arg, "FROM:") {
		s.reply(501, "Syntax: MAIL FROM:<address>")
		return false
	}
	switch {
	case s.phase == phaseInit:
		s.reply(503, "Send HELO/EHLO first")
		return false
	case s.phase > phaseGreeted:
		s.reply(503, "Sender already specified")
		return false
	}

	addr, ok := s.envelopeAddress(arg[len("FROM:"):], "Syntax: MAIL FROM:<address>")
	if !ok {
		return false
	}

	s.mailFrom = addr
	s.phase = phaseSenderSet
	s.reply(250, "OK")
	return false
}

// handleRCPT processes the RCPT TO command. It may be repeated up to the
// configured recipient limit.
func (s *Session) handleRCPT(_ context.Context, arg string) bool {
	if !hasPrefixFold(arg, "TO:") {
		s.reply(501, "Syntax: RCPT TO:<address>")
		return false
	}
	if s.phase != phaseSenderSet && s.phase != phaseRecipientSet {
		s.reply(503, "Send MAIL FROM first")
		return false
	}

	addr, ok := s.envelopeAddress(arg[len("TO:"):], "Syntax: RCPT TO:<address>")
	if !ok {
		return false
	}
	if len(s.rcptTo) >= s.cfg.MaxRecipients {
		s.reply(452, "Too many recipients")
		return false
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.phase = phaseRecipientSet
	s.reply(250, "OK")
	return false
}

// envelopeAddress extracts and validates the bracketed address of a MAIL or
// RCPT argument, replying 501 or 510 when it is unusable.
func (s *Session) envelopeAddress(arg, syntax string) (string, bool) {
	addr, err := s.cfg.Validator.Parse(arg)
	switch {
	case errors.Is(err, address.ErrNoAddress):
		s.reply(501, "%s", syntax)
		return "", false
	case err != nil:
		s.logger.Debug("rejected envelope address", "verb", s.verb, "error", err)
		s.reply(510, "Bad email address")
		return "", false
	}
	return addr, true
}

// handleDATA processes the DATA command.
func (s *Session) handleDATA(_ context.Context, _ string) bool {
	if s.phase != phaseRecipientSet {
		s.reply(503, "Send MAIL FROM and RCPT TO first")
		return false
	}
	s.phase = phaseInData
	s.dataLines = nil
	s.dataSize = 0
	s.oversized = false
	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")
	return false
}

// handleDataLine buffers one message line, or finishes the transaction on the
// terminating dot. Once the message exceeds the size limit the remaining
// lines are discarded.
func (s *Session) handleDataLine(ctx context.Context, line string) {
	if line == "." {
		s.finishData(ctx)
		return
	}
	if strings.HasPrefix(line, ".") {
		line = line[1:]
	}
	if s.oversized {
		return
	}
	s.dataSize += int64(len(line)) + 2
	if s.dataSize > s.cfg.MaxMessageSize {
		s.oversized = true
		s.dataLines = nil
		return
	}
	s.dataLines = append(s.dataLines, line)
}

func (s *Session) finishData(ctx context.Context) {
	defer s.endTransaction()

	if s.oversized {
		metrics.Deliveries.WithLabelValues(metrics.ResultTooLarge).Inc()
		s.logger.Info("message rejected: too large", "from", s.mailFrom, "limit", s.cfg.MaxMessageSize)
		s.reply(552, "Message size exceeds fixed maximum message size")
		return
	}

	env := delivery.Envelope{
		From:       s.mailFrom,
		Recipients: s.rcptTo,
		Data:       []byte(strings.Join(s.dataLines, "\r\n")),
	}
	// Deliveries in progress finish even when the server is shutting down.
	res, err := s.cfg.Deliverer.Accept(context.WithoutCancel(ctx), env)
	switch {
	case err == nil:
		s.logger.Info("message accepted",
			"from", s.mailFrom,
			"recipients", len(s.rcptTo),
			"email_id", res.Email.ID,
			"message_id", res.Email.MessageID,
		)
		s.reply(250, "OK message accepted")
	case errors.Is(err, delivery.ErrMessageTooLarge):
		s.reply(552, "Message size exceeds fixed maximum message size")
	case delivery.IsFatal(err):
		s.logger.Error("delivery failed, operator action required", "from", s.mailFrom, "error", err)
		s.reply(451, "Requested action aborted: local error in processing")
	default:
		s.logger.Warn("delivery failed", "from", s.mailFrom, "error", err)
		s.reply(451, "Requested action aborted: local error in processing")
	}
}

// handleRSET resets the session to its initial state.
func (s *Session) handleRSET(_ context.Context, _ string) bool {
	s.reset()
	s.reply(250, "OK")
	return false
}

// handleSTARTTLS acknowledges STARTTLS without negotiating TLS and resets the
// session like RSET.
func (s *Session) handleSTARTTLS(_ context.Context, _ string) bool {
	s.reset()
	s.reply(220, "Ready to start TLS")
	return false
}

func (s *Session) handleNOOP(_ context.Context, _ string) bool {
	s.reply(250, "OK")
	return false
}

func (s *Session) handleHELP(_ context.Context, _ string) bool {
	s.reply(214, "Commands: HELO EHLO MAIL RCPT DATA RSET NOOP HELP QUIT")
	return false
}

func (s *Session) handleQUIT(_ context.Context, _ string) bool {
	s.reply(221, "%s Bye", s.cfg.Hostname)
	return true
}

func (s *Session) handleNotImplemented(_ context.Context, _ string) bool {
	s.reply(502, "Command not implemented")
	return false
}

// reset clears the envelope and the greeting.
func (s *Session) reset() {
	s.resetTransaction()
	s.helo = ""
	s.phase = phaseInit
}

// endTransaction clears the envelope after DATA and keeps the greeting.
func (s *Session) endTransaction() {
	s.resetTransaction()
	s.phase = phaseGreeted
}

// resetTransaction clears the current mail transaction without touching the
// phase or greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	s.dataLines = nil
	s.dataSize = 0
	s.oversized = false
	if s.phase > phaseGreeted {
		s.phase = phaseGreeted
	}
}

// readLine reads one CRLF or LF terminated line without the terminator.
// Longer lines than maxLineLength are consumed and reported as errLineTooLong.
func (s *Session) readLine() (string, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(buf)+len(chunk) > maxLineLength {
			tooLong = true
			buf = buf[:0]
		} else if !tooLong {
			buf = append(buf, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(buf), "\r\n"), nil
}

// reply writes a single-line response and counts it.
func (s *Session) reply(code int, format string, args ...any) {
	metrics.Commands.WithLabelValues(s.verb, strconv.Itoa(code)).Inc()
	s.writeLine("%d %s", code, fmt.Sprintf(format, args...))
}

// replyLines writes a multiline response.
func (s *Session) replyLines(code int, lines ...string) {
	metrics.Commands.WithLabelValues(s.verb, strconv.Itoa(code)).Inc()
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		s.writeLine("%d%s%s", code, sep, line)
	}
}

// replyClosing sends 421 on a connection whose read side has expired.
func (s *Session) replyClosing(text string) {
	s.verb = "CLOSE"
	s.reply(421, "%s %s", s.cfg.Hostname, text)
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout)); err != nil {
		s.logger.Debug("failed to set write deadline", "error", err)
	}
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.logger.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
