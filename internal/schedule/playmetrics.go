package schedule

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	playMetricsBaseURL = "https://api.playmetrics.com/v1"

	playMetricsLoginTemplate  = "%s/auth/login"
	playMetricsEventsTemplate = "%s/teams/%d/events?start=%s&end=%s"
)

type (
	PlayMetricsConfig struct {
		Email    string
		Password string
		TeamID   int
		TeamName string
	}

	playMetricsLoginResponse struct {
		Token string `json:"token"`
	}

	playMetricsEvent struct {
		Type      string `json:"type"`
		Opponent  string `json:"opponent"`
		Location  string `json:"location"`
		StartTime string `json:"start_time"`
	}

	// playMetricsClient is the JSON API client. Sessions are established
	// lazily and re-established when a request comes back 401.
	playMetricsClient struct {
		config  PlayMetricsConfig
		client  *http.Client
		baseURL string
		token   string
	}
)

func NewPlayMetrics(config PlayMetricsConfig) *playMetricsClient {
	return &playMetricsClient{
		config:  config,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: playMetricsBaseURL,
	}
}

func (pm *playMetricsClient) FindGame(ctx context.Context, windowStart time.Time, windowEnd time.Time) (*Game, error) {
	events, err := pm.listEvents(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}

	for _, evt := range events {
		if evt.Type != "game" {
			continue
		}

		game := &Game{
			MyTeamName:       pm.config.TeamName,
			OpponentTeamName: evt.Opponent,
			Location:         evt.Location,
			Source:           "playmetrics",
		}

		if startsAt, err := time.Parse(time.RFC3339, evt.StartTime); err == nil {
			local := startsAt.Local()
			game.StartTime = &local
		}

		return game, nil
	}

	return nil, nil
}

func (pm *playMetricsClient) listEvents(ctx context.Context, windowStart time.Time, windowEnd time.Time) ([]playMetricsEvent, error) {
	if err := pm.ensureSession(ctx); err != nil {
		return nil, err
	}

	path := fmt.Sprintf(playMetricsEventsTemplate, pm.baseURL, pm.config.TeamID,
		windowStart.UTC().Format(time.RFC3339), windowEnd.UTC().Format(time.RFC3339))

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+pm.token)

	response, err := pm.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		pm.token = ""
		return nil, fmt.Errorf("playmetrics session expired")
	}
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return nil, fmt.Errorf("playmetrics events returned %s: %s", response.Status, string(body))
	}

	var events []playMetricsEvent
	if err := json.NewDecoder(response.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("playmetrics events malformed: %w", err)
	}

	return events, nil
}

func (pm *playMetricsClient) ensureSession(ctx context.Context) error {
	if pm.token != "" {
		return nil
	}

	credentials, err := json.Marshal(map[string]string{
		"email":    pm.config.Email,
		"password": pm.config.Password,
	})
	if err != nil {
		return err
	}

	path := fmt.Sprintf(playMetricsLoginTemplate, pm.baseURL)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(credentials))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := pm.client.Do(request)
	if err != nil {
		return fmt.Errorf("playmetrics login failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("playmetrics login returned %s: %s", response.Status, string(body))
	}

	var login playMetricsLoginResponse
	if err := json.NewDecoder(response.Body).Decode(&login); err != nil {
		return fmt.Errorf("playmetrics login response malformed: %w", err)
	}
	if login.Token == "" {
		return fmt.Errorf("playmetrics login returned no token")
	}

	pm.token = login.Token
	return nil
}
