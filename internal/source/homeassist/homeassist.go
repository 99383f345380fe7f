// Package homeassist reads ambient conditions from Home Assistant: the
// weather entity's state plus its temperature attribute.
package homeassist

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"daybrief/internal/config"
	"daybrief/internal/source"
	"daybrief/pkg/hass"
	"daybrief/pkg/logx"
)

// ID is the source ID this adapter registers under.
const ID = "homeassist"

const defaultWeatherEntity = "weather.home"

// Adapter implements source.Adapter.
type Adapter struct {
	entity string
	client *hass.Client
	log    logx.Logger

	connected atomic.Bool
}

// New builds the adapter against the shared Home Assistant endpoint.
// A nil httpClient falls through to the hass client's default timeout.
func New(cfg config.HomeAssistSource, ha config.HomeAssistantConfig, httpClient *http.Client, log logx.Logger) *Adapter {
	entity := strings.TrimSpace(cfg.WeatherEntity)
	if entity == "" {
		entity = defaultWeatherEntity
	}
	return &Adapter{
		entity: entity,
		client: hass.NewClient(ha.BaseURL, ha.Token, httpClient),
		log:    log.With(logx.String("source", ID)),
	}
}

// Connect pings the API; a rejected token surfaces as KindAuthExpired.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.client.Ping(ctx); err != nil {
		return classify(err)
	}
	a.connected.Store(true)
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if !a.connected.Load() {
		return source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}
	if err := a.client.Ping(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Fetch reads the weather entity. The range only gates validity; Home
// Assistant reports current state, not history.
func (a *Adapter) Fetch(ctx context.Context, tr source.TimeRange) (source.Record, error) {
	if !tr.Valid() {
		return source.Record{}, source.Errorf(ID, source.KindMalformed, "invalid range %s..%s", tr.Start, tr.End)
	}
	if !a.connected.Load() {
		return source.Record{}, source.NewError(ID, source.KindUnknown, source.ErrNotConnected)
	}

	st, err := a.client.GetState(ctx, a.entity)
	if err != nil {
		return source.Record{}, classify(err)
	}

	obs := source.Observation{}
	// "unknown"/"unavailable" mean the integration is down, not a forecast.
	if st.State != "" && st.State != "unknown" && st.State != "unavailable" {
		obs.WeatherState = st.State
	}
	if temp, ok := st.AttrFloat("temperature"); ok {
		obs.TempC = source.Ptr(temp)
	}

	out := source.Record{Source: ID, FetchedAt: time.Now().UTC()}
	if obs.WeatherState != "" || obs.TempC != nil {
		out.Ambient = &obs
	}
	return out, nil
}

func (a *Adapter) Disconnect(ctx context.Context) error {
	a.connected.Store(false)
	return nil
}

func classify(err error) *source.AdapterError {
	switch {
	case hass.IsAuthError(err):
		return source.NewError(ID, source.KindAuthExpired, err)
	default:
		var apiErr *hass.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			// A 404 from /api/states means the entity ID is wrong.
			return source.NewError(ID, source.KindMalformed, err)
		}
		return source.Classify(ID, err)
	}
}
