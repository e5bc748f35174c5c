package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	teamSnapBaseURL = "https://api.teamsnap.com/v3"

	teamSnapEventSearchTemplate    = "%s/events/search?team_id=%s&started_after=%s&started_before=%s"
	teamSnapOpponentSearchTemplate = "%s/opponents/search?id=%s"
)

type (
	TeamSnapConfig struct {
		AccessToken string
		TeamID      string
		TeamName    string
	}

	// collectionEnvelope is the Collection+JSON wrapper every TeamSnap v3
	// response uses: each item is a flat list of name/value pairs.
	collectionEnvelope struct {
		Collection struct {
			Items []collectionItem `json:"items"`
		} `json:"collection"`
	}

	collectionItem struct {
		Data []struct {
			Name  string `json:"name"`
			Value any    `json:"value"`
		} `json:"data"`
	}

	teamSnapClient struct {
		config  TeamSnapConfig
		client  *http.Client
		baseURL string
	}
)

func NewTeamSnap(config TeamSnapConfig) *teamSnapClient {
	return &teamSnapClient{
		config:  config,
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: teamSnapBaseURL,
	}
}

// FindGame searches the team's events inside the window and returns the
// first entry flagged as a game. The opponent name lives in a separate
// resource, so a hit costs a second request.
func (ts *teamSnapClient) FindGame(ctx context.Context, windowStart time.Time, windowEnd time.Time) (*Game, error) {
	path := fmt.Sprintf(teamSnapEventSearchTemplate, ts.baseURL,
		url.QueryEscape(ts.config.TeamID),
		url.QueryEscape(windowStart.UTC().Format(time.RFC3339)),
		url.QueryEscape(windowEnd.UTC().Format(time.RFC3339)))

	var envelope collectionEnvelope
	if err := ts.getJSON(ctx, path, &envelope); err != nil {
		return nil, fmt.Errorf("teamsnap event search failed: %w", err)
	}

	for _, item := range envelope.Collection.Items {
		fields := item.fields()
		if fields["is_game"] != "true" {
			continue
		}

		game := &Game{
			MyTeamName: ts.config.TeamName,
			Location:   fields["location_name"],
			Source:     "teamsnap",
		}

		if startsAt, err := time.Parse(time.RFC3339, fields["start_date"]); err == nil {
			local := startsAt.Local()
			game.StartTime = &local
		}

		if opponentID := fields["opponent_id"]; opponentID != "" {
			game.OpponentTeamName = ts.opponentName(ctx, opponentID)
		}
		if game.OpponentTeamName == "" {
			game.OpponentTeamName = fields["name"]
		}

		return game, nil
	}

	return nil, nil
}

func (ts *teamSnapClient) opponentName(ctx context.Context, opponentID string) string {
	path := fmt.Sprintf(teamSnapOpponentSearchTemplate, ts.baseURL, url.QueryEscape(opponentID))

	var envelope collectionEnvelope
	if err := ts.getJSON(ctx, path, &envelope); err != nil {
		log.Warnf("TeamSnap opponent lookup failed: %v\n", err)
		return ""
	}

	for _, item := range envelope.Collection.Items {
		if name := item.fields()["name"]; name != "" {
			return name
		}
	}

	return ""
}

func (ts *teamSnapClient) getJSON(ctx context.Context, path string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+ts.config.AccessToken)
	request.Header.Set("Accept", "application/vnd.collection+json")

	response, err := ts.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("GET %s returned %s: %s", path, response.Status, string(body))
	}

	return json.NewDecoder(response.Body).Decode(out)
}

// fields flattens a Collection+JSON item's name/value pairs into a string
// map; non-string values are stringified.
func (item collectionItem) fields() map[string]string {
	flattened := make(map[string]string, len(item.Data))
	for _, pair := range item.Data {
		switch value := pair.Value.(type) {
		case string:
			flattened[pair.Name] = value
		case bool:
			flattened[pair.Name] = fmt.Sprintf("%t", value)
		case float64:
			flattened[pair.Name] = fmt.Sprintf("%.0f", value)
		}
	}

	return flattened
}
