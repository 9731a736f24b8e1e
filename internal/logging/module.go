package logging

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ronappleton/arazzo-runner/internal/config"
)

func Module() fx.Option {
	return fx.Provide(func(cfg config.Config) (*zap.Logger, error) {
		return New(cfg.Log.Level, cfg.Log.Format)
	})
}
