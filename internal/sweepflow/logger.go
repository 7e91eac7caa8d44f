package sweepflow

import (
	"fmt"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/log"
)

// Logger adapts zerolog to the Temporal SDK logger so worker and workflow
// output shares the server's format.
type Logger struct {
	z zerolog.Logger
}

var _ log.Logger = Logger{}

func NewLogger(z zerolog.Logger) Logger {
	return Logger{z: z.With().Str("component", "temporal").Logger()}
}

func (l Logger) Debug(msg string, keyvals ...interface{}) { l.emit(l.z.Debug(), msg, keyvals) }
func (l Logger) Info(msg string, keyvals ...interface{})  { l.emit(l.z.Info(), msg, keyvals) }
func (l Logger) Warn(msg string, keyvals ...interface{})  { l.emit(l.z.Warn(), msg, keyvals) }
func (l Logger) Error(msg string, keyvals ...interface{}) { l.emit(l.z.Error(), msg, keyvals) }

func (l Logger) emit(ev *zerolog.Event, msg string, keyvals []interface{}) {
	for i := 0; i < len(keyvals); i += 2 {
		key := fmt.Sprint(keyvals[i])
		if i+1 == len(keyvals) {
			ev = ev.Interface(key, nil)
			break
		}
		if err, ok := keyvals[i+1].(error); ok {
			ev = ev.AnErr(key, err)
			continue
		}
		ev = ev.Interface(key, keyvals[i+1])
	}
	ev.Msg(msg)
}
