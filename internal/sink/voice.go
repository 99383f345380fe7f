package sink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"daybrief/internal/config"
	"daybrief/pkg/hass"
	"daybrief/pkg/logx"
)

// Voice speaks the artifact's voice line through a Home Assistant TTS
// service. Artifacts without a voice line are skipped silently so that
// text-only kinds can share a channel list with spoken ones.
type Voice struct {
	cfg    config.VoiceSink
	client *hass.Client
	log    logx.Logger
}

func NewVoice(cfg config.VoiceSink, ha config.HomeAssistantConfig, httpClient *http.Client, log logx.Logger) (*Voice, error) {
	if strings.TrimSpace(ha.BaseURL) == "" {
		return nil, errors.New("voice sink needs home_assistant.base_url")
	}
	if cfg.TTSService == "" {
		cfg.TTSService = "google_translate_say"
	}
	if cfg.MediaPlayer == "" {
		cfg.MediaPlayer = "media_player.kitchen"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Voice{
		cfg:    cfg,
		client: hass.NewClient(ha.BaseURL, ha.Token, httpClient),
		log:    log.With(logx.String("component", "sink.voice")),
	}, nil
}

func (v *Voice) Name() string { return "voice" }

func (v *Voice) Deliver(ctx context.Context, a Artifact) error {
	if strings.TrimSpace(a.Voice) == "" {
		return nil
	}
	err := v.client.CallService(ctx, "tts", v.cfg.TTSService, map[string]any{
		"entity_id": v.cfg.MediaPlayer,
		"message":   a.Voice,
	})
	if err != nil {
		return fmt.Errorf("voice tts: %w", err)
	}
	v.log.Debug("spoke artifact",
		logx.String("kind", a.Kind),
		logx.String("player", v.cfg.MediaPlayer))
	return nil
}
