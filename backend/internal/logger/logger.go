// Package logger 基于 zerolog 的结构化日志。
package logger

import (
	"io"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level      string    `mapstructure:"level"` // debug, info, warn, error
	Pretty     bool      `mapstructure:"pretty"`
	WithCaller bool      `mapstructure:"withCaller"`
	Output     io.Writer `mapstructure:"-"`
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	}
	return zerolog.InfoLevel
}

// New 创建根 logger，同时替换 zerolog 的全局 logger
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).Level(parseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "collab").
		Logger()
	if cfg.WithCaller {
		zl = zl.With().Caller().Logger()
	}
	log.Logger = zl
	return zl
}

// Component 子 logger，统一带上 component 字段
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// GinMiddleware 每个 HTTP 请求结束后记一行日志
func GinMiddleware(l zerolog.Logger) gin.HandlerFunc {
	hl := Component(l, "http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := hl.Info()
		switch {
		case status >= 500:
			ev = hl.Error()
		case status >= 400:
			ev = hl.Warn()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("http request")
	}
}
