package app

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"daybrief/internal/pipeline"
	"daybrief/internal/source"
	"daybrief/internal/source/garmin"
	"daybrief/internal/source/gcal"
	"daybrief/internal/source/homeassist"
	"daybrief/internal/source/netprobe"
	"daybrief/internal/source/outlook"
	"daybrief/internal/source/vault"
	"daybrief/internal/source/whoop"
	logx "daybrief/pkg/logx"
)

// sourceLimit converts a per-minute request budget into limiter arguments.
// Zero or negative disables limiting for that source.
func sourceLimit(perMinute int) (rate.Limit, int) {
	if perMinute <= 0 {
		return 0, 0
	}
	return rate.Every(time.Minute / time.Duration(perMinute)), perMinute
}

// buildRegistry constructs the enabled adapters and groups their IDs by the
// payload section they feed. Connections are lazy; nothing dials here.
func buildRegistry(cfg *Config, hc *http.Client, log logx.Logger) (*source.Registry, pipeline.Sources) {
	reg := source.NewRegistry(log.With(logx.String("comp", "source")))
	var grp pipeline.Sources

	s := cfg.Sources
	if s.Whoop.Enabled {
		limit, burst := sourceLimit(s.Whoop.PerMinute)
		reg.Register(whoop.ID, whoop.New(s.Whoop, hc, log), limit, burst)
		grp.Health = append(grp.Health, whoop.ID)
	}
	if s.Garmin.Enabled {
		limit, burst := sourceLimit(s.Garmin.PerMinute)
		reg.Register(garmin.ID, garmin.New(s.Garmin, hc, log), limit, burst)
		grp.Health = append(grp.Health, garmin.ID)
	}
	if s.GCal.Enabled {
		limit, burst := sourceLimit(s.GCal.PerMinute)
		reg.Register(gcal.ID, gcal.New(s.GCal, hc, log), limit, burst)
		grp.Calendar = append(grp.Calendar, gcal.ID)
	}
	if s.Outlook.Enabled {
		limit, burst := sourceLimit(s.Outlook.PerMinute)
		reg.Register(outlook.ID, outlook.New(s.Outlook, hc, log), limit, burst)
		grp.Calendar = append(grp.Calendar, outlook.ID)
	}
	if s.Vault.Enabled {
		limit, burst := sourceLimit(s.Vault.PerMinute)
		reg.Register(vault.ID, vault.New(s.Vault, log), limit, burst)
		grp.Tasks = append(grp.Tasks, vault.ID)
	}
	if s.HomeAssist.Enabled {
		limit, burst := sourceLimit(s.HomeAssist.PerMinute)
		reg.Register(homeassist.ID, homeassist.New(s.HomeAssist, cfg.HomeAssistant, hc, log), limit, burst)
		grp.Ambient = append(grp.Ambient, homeassist.ID)
	}
	if s.Netprobe.Enabled {
		limit, burst := sourceLimit(s.Netprobe.PerMinute)
		reg.Register(netprobe.ID, netprobe.New(s.Netprobe, log), limit, burst)
		grp.Ambient = append(grp.Ambient, netprobe.ID)
	}
	return reg, grp
}
