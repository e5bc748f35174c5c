package upload

import "context"

type (
	// Video describes one file to publish: the metadata here is everything
	// the host needs beyond the bytes themselves.
	Video struct {
		FilePath    string
		Title       string
		Description string
		Tags        []string
		Privacy     string
	}

	// Uploader is the video-host capability consumed by the upload worker.
	// The production implementation talks to YouTube; tests supply fakes.
	Uploader interface {
		// Authenticate validates the configured credentials, refreshing
		// any short-lived tokens. Called lazily before the first upload.
		Authenticate(ctx context.Context) error

		// FindPlaylist resolves a playlist by exact, case-sensitive name
		// among the account's own playlists. Returns ok=false when no
		// playlist matches.
		FindPlaylist(ctx context.Context, name string) (id string, ok bool, err error)

		// CreatePlaylist creates a playlist and returns its ID.
		CreatePlaylist(ctx context.Context, name string, description string, privacy string) (string, error)

		// Upload publishes a video using the host's resumable protocol and
		// returns the new video's ID.
		Upload(ctx context.Context, video Video) (string, error)

		// AddToPlaylist inserts an uploaded video into a playlist.
		AddToPlaylist(ctx context.Context, videoID string, playlistID string) error
	}
)
