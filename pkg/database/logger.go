package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// zeroLogger sends gorm output through the global zerolog logger.
type zeroLogger struct {
	level logger.LogLevel
}

func NewLogger() logger.Interface {
	return zeroLogger{level: logger.Warn}
}

func (l zeroLogger) LogMode(level logger.LogLevel) logger.Interface {
	l.level = level
	return l
}

func (l zeroLogger) Info(_ context.Context, msg string, v ...any) {
	if l.level >= logger.Info {
		log.Info().Msgf("gorm: "+msg, v...)
	}
}

func (l zeroLogger) Warn(_ context.Context, msg string, v ...any) {
	if l.level >= logger.Warn {
		log.Warn().Msgf("gorm: "+msg, v...)
	}
}

func (l zeroLogger) Error(_ context.Context, msg string, v ...any) {
	if l.level >= logger.Error {
		log.Error().Msgf("gorm: "+msg, v...)
	}
}

func (l zeroLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	var ev *zerolog.Event
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.level >= logger.Error:
		ev = log.Error().Err(err)
	case elapsed > slowQuery && l.level >= logger.Warn:
		ev = log.Warn().Str("slow", elapsed.String())
	default:
		ev = log.Trace()
	}

	sql, rows := fc()
	ev.Dur("elapsed", elapsed).Int64("rows", rows).Msg(sql)
}
