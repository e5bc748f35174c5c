package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/pkg/logger"
)

const (
	youtubeTokenURL = "https://oauth2.googleapis.com/token"

	youtubeBaseURL              = "https://www.googleapis.com/youtube/v3"
	youtubePlaylistsTemplate    = "%s/playlists?part=snippet&mine=true&maxResults=50&pageToken=%s"
	youtubeNewPlaylistTemplate  = "%s/playlists?part=snippet,status"
	youtubePlaylistItemTemplate = "%s/playlistItems?part=snippet"

	youtubeUploadURL = "https://www.googleapis.com/upload/youtube/v3/videos?uploadType=resumable&part=snippet,status"

	// maxUploadRetries bounds recovery attempts for one resumable session.
	maxUploadRetries = 5
)

type (
	Config struct {
		ClientID      string
		ClientSecret  string
		RefreshToken  string
		PrivacyStatus string
	}

	tokenResponse struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}

	playlistPage struct {
		Items         []playlistItem `json:"items"`
		NextPageToken string         `json:"nextPageToken"`
	}

	playlistItem struct {
		ID      string `json:"id"`
		Snippet struct {
			Title string `json:"title"`
		} `json:"snippet"`
	}

	videoResource struct {
		ID string `json:"id"`
	}

	// youtubeUploader implements the Uploader capability against the YouTube
	// Data API v3 using a long-lived OAuth refresh token. Videos go through
	// the resumable-upload protocol so an interrupted transfer resumes from
	// the last acknowledged byte instead of restarting.
	youtubeUploader struct {
		config      Config
		client      *http.Client
		accessToken string
		tokenExpiry time.Time
	}
)

var log = logger.Get("Upload")

func NewYouTubeUploader(config Config) *youtubeUploader {
	return &youtubeUploader{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Authenticate exchanges the refresh token for a fresh access token. It is
// re-run automatically whenever the cached token is within a minute of
// expiry.
func (uploader *youtubeUploader) Authenticate(ctx context.Context) error {
	form := url.Values{
		"client_id":     {uploader.config.ClientID},
		"client_secret": {uploader.config.ClientSecret},
		"refresh_token": {uploader.config.RefreshToken},
		"grant_type":    {"refresh_token"},
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, youtubeTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := uploader.client.Do(request)
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return fmt.Errorf("token refresh returned %s: %s", response.Status, string(body))
	}

	var token tokenResponse
	if err := json.NewDecoder(response.Body).Decode(&token); err != nil {
		return fmt.Errorf("token refresh returned malformed JSON: %w", err)
	}

	uploader.accessToken = token.AccessToken
	uploader.tokenExpiry = time.Now().Add(time.Duration(token.ExpiresIn) * time.Second)
	return nil
}

func (uploader *youtubeUploader) ensureToken(ctx context.Context) error {
	if uploader.accessToken != "" && time.Until(uploader.tokenExpiry) > time.Minute {
		return nil
	}

	return uploader.Authenticate(ctx)
}

// FindPlaylist pages through the account's own playlists looking for an
// exact, case-sensitive title match.
func (uploader *youtubeUploader) FindPlaylist(ctx context.Context, name string) (string, bool, error) {
	if err := uploader.ensureToken(ctx); err != nil {
		return "", false, err
	}

	pageToken := ""
	for {
		path := fmt.Sprintf(youtubePlaylistsTemplate, youtubeBaseURL, url.QueryEscape(pageToken))
		var page playlistPage
		if err := uploader.getJSON(ctx, path, &page); err != nil {
			return "", false, err
		}

		for _, playlist := range page.Items {
			if playlist.Snippet.Title == name {
				return playlist.ID, true, nil
			}
		}

		if page.NextPageToken == "" {
			return "", false, nil
		}
		pageToken = page.NextPageToken
	}
}

func (uploader *youtubeUploader) CreatePlaylist(ctx context.Context, name string, description string, privacy string) (string, error) {
	if err := uploader.ensureToken(ctx); err != nil {
		return "", err
	}

	body := map[string]any{
		"snippet": map[string]any{"title": name, "description": description},
		"status":  map[string]any{"privacyStatus": privacy},
	}

	var created playlistItem
	path := fmt.Sprintf(youtubeNewPlaylistTemplate, youtubeBaseURL)
	if err := uploader.postJSON(ctx, path, body, &created); err != nil {
		return "", err
	}

	log.Infof("Created playlist %q (%s)\n", name, created.ID)
	return created.ID, nil
}

// Upload runs the resumable-upload protocol: open a session, stream the
// file, and on a recoverable failure query the session for the last byte
// the server holds and resume from there. Up to maxUploadRetries recovery
// attempts with exponential backoff.
func (uploader *youtubeUploader) Upload(ctx context.Context, video Video) (string, error) {
	if err := uploader.ensureToken(ctx); err != nil {
		return "", err
	}

	info, err := os.Stat(video.FilePath)
	if err != nil {
		return "", fmt.Errorf("upload source missing: %w", err)
	}
	size := info.Size()

	sessionURL, err := uploader.openSession(ctx, video, size)
	if err != nil {
		return "", err
	}

	offset := int64(0)
	backoff := time.Second
	for attempt := 0; ; attempt++ {
		videoID, err := uploader.sendFrom(ctx, sessionURL, video.FilePath, offset, size)
		if err == nil {
			return videoID, nil
		}

		if attempt >= maxUploadRetries || !isRecoverable(err) {
			return "", err
		}

		log.Warnf("Upload of %s interrupted (%v), resuming\n", video.FilePath, err)
		time.Sleep(backoff)
		backoff *= 2

		offset, err = uploader.resumeOffset(ctx, sessionURL, size)
		if err != nil {
			return "", err
		}
	}
}

func (uploader *youtubeUploader) AddToPlaylist(ctx context.Context, videoID string, playlistID string) error {
	if err := uploader.ensureToken(ctx); err != nil {
		return err
	}

	body := map[string]any{
		"snippet": map[string]any{
			"playlistId": playlistID,
			"resourceId": map[string]any{"kind": "youtube#video", "videoId": videoID},
		},
	}

	path := fmt.Sprintf(youtubePlaylistItemTemplate, youtubeBaseURL)
	return uploader.postJSON(ctx, path, body, nil)
}

// openSession starts a resumable session and returns the session URL the
// file bytes must be sent to.
func (uploader *youtubeUploader) openSession(ctx context.Context, video Video, size int64) (string, error) {
	metadata := map[string]any{
		"snippet": map[string]any{
			"title":       video.Title,
			"description": video.Description,
			"tags":        video.Tags,
			"categoryId":  "17", // Sports
		},
		"status": map[string]any{"privacyStatus": video.Privacy},
	}

	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, youtubeUploadURL, bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	request.Header.Set("Authorization", "Bearer "+uploader.accessToken)
	request.Header.Set("Content-Type", "application/json; charset=UTF-8")
	request.Header.Set("X-Upload-Content-Length", fmt.Sprintf("%d", size))
	request.Header.Set("X-Upload-Content-Type", "video/mp4")

	response, err := uploader.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("failed to open upload session: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return "", fmt.Errorf("upload session returned %s: %s", response.Status, string(body))
	}

	sessionURL := response.Header.Get("Location")
	if sessionURL == "" {
		return "", fmt.Errorf("upload session response missing Location header")
	}

	return sessionURL, nil
}

// sendFrom streams the file from the byte offset provided to the session.
// The bare http.Client (no timeout) is intentional: a multi-gigabyte match
// video takes longer than any sane request timeout.
func (uploader *youtubeUploader) sendFrom(ctx context.Context, sessionURL string, filePath string, offset int64, size int64) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return "", err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, file)
	if err != nil {
		return "", err
	}
	request.ContentLength = size - offset
	request.Header.Set("Authorization", "Bearer "+uploader.accessToken)
	request.Header.Set("Content-Type", "video/mp4")
	if offset > 0 {
		request.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, size-1, size))
	}

	streamClient := &http.Client{}
	response, err := streamClient.Do(request)
	if err != nil {
		return "", &recoverableError{err}
	}
	defer response.Body.Close()

	if response.StatusCode >= 500 {
		return "", &recoverableError{fmt.Errorf("upload returned %s", response.Status)}
	}
	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(response.Body)
		return "", fmt.Errorf("upload returned %s: %s", response.Status, string(body))
	}

	var resource videoResource
	if err := json.NewDecoder(response.Body).Decode(&resource); err != nil {
		return "", fmt.Errorf("upload response malformed: %w", err)
	}

	return resource.ID, nil
}

// resumeOffset asks the session how many bytes it already holds.
func (uploader *youtubeUploader) resumeOffset(ctx context.Context, sessionURL string, size int64) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, sessionURL, nil)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Authorization", "Bearer "+uploader.accessToken)
	request.Header.Set("Content-Range", fmt.Sprintf("bytes */%d", size))

	response, err := uploader.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	// 308 carries a Range header naming the last byte received; anything
	// else means the session holds nothing yet.
	if response.StatusCode != http.StatusPermanentRedirect {
		return 0, nil
	}

	rangeHeader := response.Header.Get("Range")
	var first, last int64
	if _, err := fmt.Sscanf(rangeHeader, "bytes=%d-%d", &first, &last); err != nil {
		return 0, nil
	}

	return last + 1, nil
}

func (uploader *youtubeUploader) getJSON(ctx context.Context, path string, out any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+uploader.accessToken)

	response, err := uploader.client.Do(request)
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

func (uploader *youtubeUploader) postJSON(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+uploader.accessToken)
	request.Header.Set("Content-Type", "application/json; charset=UTF-8")

	response, err := uploader.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK && response.StatusCode != http.StatusCreated {
		responseBody, _ := io.ReadAll(response.Body)
		return fmt.Errorf("POST %s returned %s: %s", path, response.Status, string(responseBody))
	}

	if out == nil {
		io.Copy(io.Discard, response.Body)
		return nil
	}

	return json.NewDecoder(response.Body).Decode(out)
}

type recoverableError struct{ cause error }

func (e *recoverableError) Error() string { return e.cause.Error() }
func (e *recoverableError) Unwrap() error { return e.cause }

func isRecoverable(err error) bool {
	var recoverable *recoverableError
	return errors.As(err, &recoverable)
}
