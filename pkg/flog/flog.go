// Package flog is the filesystem engine's logging facility: a small
// interface matching what the facade and its collaborators need
// (Debugf/Infof/Warnf/Errorf, plus a debug-enabled check so callers can
// skip expensive formatting), implemented over logrus with the same
// level-coloring convention the teacher's pkg/elog uses for its CLI
// logger. Unlike pkg/elog this package carries no progress-bar concern:
// every facade operation here is a single synchronous call, not a
// streamed multi-second compile.
package flog

import (
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Logger is the interface the filesystem core logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	IsDebugEnabled() bool
}

// Discard is the zero-value logger: every call is a no-op. Facade
// consumers that never configure a Logger pay nothing for it.
var Discard Logger = discard{}

type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
func (discard) IsDebugEnabled() bool          { return false }

// CLI is a Logger that writes level-tagged, optionally colorized lines to
// an output stream (stderr by default), matching the teacher's
// pkg/elog.CLI logging conventions.
type CLI struct {
	Debug bool
	entry *logrus.Logger
}

// NewCLI builds a CLI logger. debug enables Debugf output; color output
// is auto-detected from the destination's TTY-ness the same way
// pkg/elog's CLI does (mattn/go-isatty), wrapped through
// mattn/go-colorable so Windows consoles still render ANSI codes.
func NewCLI(debug bool) *CLI {
	out := colorable.NewColorable(os.Stderr)
	l := logrus.New()
	l.SetOutput(out)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return &CLI{Debug: debug, entry: l}
}

func (c *CLI) tag(level string, fg color.Attribute) string {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return level
	}
	return color.New(fg).SprintFunc()(level)
}

// Debugf logs at debug level if debug logging is enabled.
func (c *CLI) Debugf(format string, args ...interface{}) {
	c.entry.Debugf(c.tag("[debug] ", color.Faint)+format, args...)
}

// Infof logs at info level.
func (c *CLI) Infof(format string, args ...interface{}) {
	c.entry.Infof(c.tag("[info] ", color.FgBlue)+format, args...)
}

// Warnf logs at warn level.
func (c *CLI) Warnf(format string, args ...interface{}) {
	c.entry.Warnf(c.tag("[warn] ", color.FgYellow)+format, args...)
}

// Errorf logs at error level.
func (c *CLI) Errorf(format string, args ...interface{}) {
	c.entry.Errorf(c.tag("[error] ", color.FgRed)+format, args...)
}

// IsDebugEnabled reports whether Debugf output is enabled.
func (c *CLI) IsDebugEnabled() bool {
	return c.Debug
}
