package log

import (
	"os"

	"github.com/alexcesaro/log"
	"github.com/alexcesaro/log/golog"

	chatrelay "github.com/shazow/chat-relay"
	"github.com/shazow/chat-relay/relay"
	"github.com/shazow/chat-relay/tcpd"
)

var logLevels = []log.Level{
	log.Warning,
	log.Info,
	log.Debug,
}

// Logger Global Logger
var Logger *golog.Logger

// SetLogger Set the global logger
func SetLogger(l *golog.Logger) {
	Logger = l
	chatrelay.SetLogger(l)
}

// Level returns the log level for the number of -v flags given.
func Level(numVerbose int) log.Level {
	if numVerbose >= len(logLevels) {
		numVerbose = len(logLevels) - 1
	}
	if numVerbose < 0 {
		numVerbose = 0
	}
	return logLevels[numVerbose]
}

// Init Initialize the global logger
func Init(numVerbose int) *golog.Logger {
	logLevel := Level(numVerbose)
	SetLogger(golog.New(os.Stderr, logLevel))

	if logLevel == log.Debug {
		// Enable logging from submodules
		relay.SetLogger(os.Stderr)
		tcpd.SetLogger(os.Stderr)
	}
	return Logger
}
