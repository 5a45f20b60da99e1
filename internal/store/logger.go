package store

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// badgerLogger routes badger's own messages into zerolog. Badger is chatty at info level so those are
// demoted to debug.
type badgerLogger struct{}

func (l *badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error().Str("component", "badger").Msg(format(f, v...))
}

func (l *badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msg(format(f, v...))
}

func (l *badgerLogger) Infof(f string, v ...interface{}) {
	log.Debug().Str("component", "badger").Msg(format(f, v...))
}

func (l *badgerLogger) Debugf(f string, v ...interface{}) {
	log.Trace().Str("component", "badger").Msg(format(f, v...))
}

func format(f string, v ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}
