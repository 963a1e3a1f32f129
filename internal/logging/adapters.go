package logging

import (
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Watermill adapts a zerolog logger to watermill.LoggerAdapter.
type Watermill struct {
	logger zerolog.Logger
}

var _ watermill.LoggerAdapter = (*Watermill)(nil)

func NewWatermill(logger zerolog.Logger) *Watermill {
	return &Watermill{logger: logger.With().Str("component", "watermill").Logger()}
}

func withFields(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (w *Watermill) Error(msg string, err error, fields watermill.LogFields) {
	withFields(w.logger.Error().Err(err), fields).Msg(msg)
}

func (w *Watermill) Info(msg string, fields watermill.LogFields) {
	withFields(w.logger.Info(), fields).Msg(msg)
}

// Debug logs at trace level. Watermill is chatty at debug and the bot's own debug output
// should stay readable.
func (w *Watermill) Debug(msg string, fields watermill.LogFields) {
	withFields(w.logger.Trace(), fields).Msg(msg)
}

func (w *Watermill) Trace(msg string, fields watermill.LogFields) {
	withFields(w.logger.Trace(), fields).Msg(msg)
}

func (w *Watermill) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := w.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Watermill{logger: ctx.Logger()}
}

// SutureHook logs supervisor events. Service failures and backoffs are warnings, everything
// else is informational.
func SutureHook(logger zerolog.Logger) suture.EventHook {
	l := logger.With().Str("component", "supervisor").Logger()

	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate, suture.EventTypeBackoff,
			suture.EventTypeStopTimeout:
			ev = l.Warn()
		default:
			ev = l.Info()
		}

		ev.Fields(e.Map()).Msg(e.String())
	}
}

// Badger adapts a zerolog logger to badger.Logger. Badger logs its routine compactions at
// info, so they are demoted to debug.
type Badger struct {
	logger zerolog.Logger
}

var _ badger.Logger = (*Badger)(nil)

func NewBadger(logger zerolog.Logger) *Badger {
	return &Badger{logger: logger.With().Str("component", "badger").Logger()}
}

func trim(format string, args ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(format, args...))
}

func (b *Badger) Errorf(format string, args ...interface{}) {
	b.logger.Error().Msg(trim(format, args...))
}

func (b *Badger) Warningf(format string, args ...interface{}) {
	b.logger.Warn().Msg(trim(format, args...))
}

func (b *Badger) Infof(format string, args ...interface{}) {
	b.logger.Debug().Msg(trim(format, args...))
}

func (b *Badger) Debugf(format string, args ...interface{}) {
	b.logger.Trace().Msg(trim(format, args...))
}
