package app

import (
	"net/http"
	"time"

	"daybrief/internal/sink"
	logx "daybrief/pkg/logx"
)

// buildSinks registers the enabled sinks on the dispatcher and unregisters
// disabled ones, so it doubles as the hot-reload path. The log sink is
// always present as the fallback channel. The telegram sink is returned
// separately because it also serves as the logx alert sender.
func buildSinks(cfg *Config, disp *sink.Dispatcher, loc *time.Location, hc *http.Client, log logx.Logger) (*sink.Telegram, error) {
	disp.Register(sink.NewLog(log))

	var tg *sink.Telegram
	if cfg.Sinks.Telegram.Enabled {
		t, err := sink.NewTelegram(cfg.Sinks.Telegram, log)
		if err != nil {
			return nil, err
		}
		disp.Register(t)
		tg = t
	} else {
		disp.Unregister("telegram")
	}

	if cfg.Sinks.Vault.Enabled {
		v, err := sink.NewVault(cfg.Sinks.Vault, loc, log)
		if err != nil {
			return nil, err
		}
		disp.Register(v)
	} else {
		disp.Unregister("vault")
	}

	if cfg.Sinks.Voice.Enabled {
		v, err := sink.NewVoice(cfg.Sinks.Voice, cfg.HomeAssistant, hc, log)
		if err != nil {
			return nil, err
		}
		disp.Register(v)
	} else {
		disp.Unregister("voice")
	}
	return tg, nil
}
