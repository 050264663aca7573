// Package logging adapts github.com/rs/zerolog to the application.Logger
// port, the way the teacher wraps the stdlib "log" package behind
// application.Logger in its LogLogger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/emil45/phantom/application"
)

// ZeroLogger is an application.Logger backed by zerolog.
type ZeroLogger struct {
	log zerolog.Logger
}

// New builds a ZeroLogger. When pretty is true it writes a human-readable
// console format (suitable for an interactive terminal); otherwise it
// writes newline-delimited JSON, suitable for a LaunchAgent/service log
// file.
func New(pretty bool) *ZeroLogger {
	var w zerolog.Logger
	if pretty {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		w = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return &ZeroLogger{log: w}
}

func (z *ZeroLogger) with(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (z *ZeroLogger) Debug(msg string, kv ...any) {
	z.with(z.log.Debug(), kv).Msg(msg)
}

func (z *ZeroLogger) Info(msg string, kv ...any) {
	z.with(z.log.Info(), kv).Msg(msg)
}

func (z *ZeroLogger) Warn(msg string, kv ...any) {
	z.with(z.log.Warn(), kv).Msg(msg)
}

func (z *ZeroLogger) Error(msg string, err error, kv ...any) {
	z.with(z.log.Error().Err(err), kv).Msg(msg)
}

var _ application.Logger = (*ZeroLogger)(nil)
