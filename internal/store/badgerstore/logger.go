package badgerstore

import "go.uber.org/zap"

// logger routes Badger's internal logging through zap. Badger is chatty at
// info level, so info and debug both land on debug.
type logger struct {
	sugar *zap.SugaredLogger
}

func newLogger(l *zap.Logger) *logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &logger{sugar: l.Named("badger").Sugar()}
}

func (l *logger) Errorf(format string, args ...any)   { l.sugar.Errorf(format, args...) }
func (l *logger) Warningf(format string, args ...any) { l.sugar.Warnf(format, args...) }
func (l *logger) Infof(format string, args ...any)    { l.sugar.Debugf(format, args...) }
func (l *logger) Debugf(format string, args ...any)   { l.sugar.Debugf(format, args...) }
