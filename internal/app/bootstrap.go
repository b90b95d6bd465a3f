package app

import (
	"fmt"

	"deepscrub/internal/config"
	"deepscrub/internal/transport/telegram"
	logx "deepscrub/pkg/logx"
)

// newLogging builds the logging service and its optional Telegram sink.
// The sender is bound once: reloads may toggle alerts or change the level,
// but a different bot or chat needs a restart.
func newLogging(cfg *config.Config) (*logx.Service, logx.Logger, error) {
	var sender logx.AlertSender
	if cfg.Logging.Telegram.Enabled {
		bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
		s, err := telegram.New(mapTelegramConfig(cfg), bootLog)
		if err != nil {
			return nil, logx.Logger{}, fmt.Errorf("logging.telegram: %w", err)
		}
		sender = s
	}
	svc, log := logx.New(mapLogConfig(cfg), sender)
	return svc, log, nil
}

// telegramTargetChanged reports whether a reload touched the bound sender.
func telegramTargetChanged(oldCfg, newCfg *config.Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	a, b := oldCfg.Logging.Telegram, newCfg.Logging.Telegram
	return a.Token != b.Token || a.ChatID != b.ChatID || a.ThreadID != b.ThreadID ||
		(b.Enabled && !a.Enabled)
}
