package notify

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Notify")

const (
	// subscribeReadTimeout bounds one streaming read; ntfy sends keepalive
	// events well inside this window, so expiry means the connection died.
	subscribeReadTimeout = 90 * time.Second

	reconnectBaseDelay = 3 * time.Second
	reconnectMaxDelay  = 60 * time.Second
)

type (
	// Action is one tappable button on an outbound notification. Tapping it
	// publishes Payload back to our own topic, which is how answers reach
	// the subscription stream.
	Action struct {
		Label   string
		Payload string
	}

	// Message is one outbound notification.
	Message struct {
		Title          string
		Body           string
		Tags           []string
		Priority       int
		AttachmentPath string
		Actions        []Action
	}

	// Event is one inbound message observed on the topic, our own outbound
	// messages included.
	Event struct {
		ID      string `json:"id"`
		Kind    string `json:"event"`
		Title   string `json:"title"`
		Message string `json:"message"`
		Time    int64  `json:"time"`
	}

	// Notifier is the interactive-notification capability. The production
	// implementation talks to an ntfy server; tests supply fakes.
	Notifier interface {
		Send(ctx context.Context, message Message) error
		// Subscribe delivers inbound topic messages until the context is
		// cancelled. The stream survives disconnects internally; callers
		// never see a reconnect.
		Subscribe(ctx context.Context) <-chan Event
	}

	NtfyConfig struct {
		ServerURL string
		Topic     string
	}

	ntfyNotifier struct {
		config NtfyConfig
		client *http.Client
	}
)

func NewNtfyNotifier(config NtfyConfig) *ntfyNotifier {
	return &ntfyNotifier{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (n *ntfyNotifier) topicURL() string {
	return strings.TrimSuffix(n.config.ServerURL, "/") + "/" + n.config.Topic
}

// Send publishes one message. When an attachment is present the file bytes
// become the request body and the text moves to the X-Message header, per
// the ntfy attachment protocol.
func (n *ntfyNotifier) Send(ctx context.Context, message Message) error {
	var request *http.Request
	var err error

	if message.AttachmentPath != "" {
		file, openErr := os.Open(message.AttachmentPath)
		if openErr != nil {
			return fmt.Errorf("failed to open attachment: %w", openErr)
		}
		defer file.Close()

		request, err = http.NewRequestWithContext(ctx, http.MethodPut, n.topicURL(), file)
		if err == nil {
			request.Header.Set("X-Filename", filepath.Base(message.AttachmentPath))
			request.Header.Set("X-Message", message.Body)
		}
	} else {
		request, err = http.NewRequestWithContext(ctx, http.MethodPost, n.topicURL(), strings.NewReader(message.Body))
	}
	if err != nil {
		return err
	}

	if message.Title != "" {
		request.Header.Set("X-Title", message.Title)
	}
	if len(message.Tags) > 0 {
		request.Header.Set("X-Tags", strings.Join(message.Tags, ","))
	}
	if message.Priority > 0 {
		request.Header.Set("X-Priority", fmt.Sprintf("%d", message.Priority))
	}
	if len(message.Actions) > 0 {
		request.Header.Set("X-Actions", n.encodeActions(message.Actions))
	}

	response, err := n.client.Do(request)
	if err != nil {
		return fmt.Errorf("ntfy publish failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("ntfy publish returned %s", response.Status)
	}

	return nil
}

// encodeActions renders buttons as http actions that POST their payload
// back to our topic. Commas inside labels/payloads would break the header
// grammar, so they are stripped.
func (n *ntfyNotifier) encodeActions(actions []Action) string {
	encoded := make([]string, 0, len(actions))
	for _, action := range actions {
		label := strings.ReplaceAll(action.Label, ",", "")
		payload := strings.ReplaceAll(action.Payload, ",", "")
		encoded = append(encoded, fmt.Sprintf("http, %s, %s, method=POST, body=%s", label, n.topicURL(), payload))
	}

	return strings.Join(encoded, "; ")
}

// Subscribe opens the long-lived JSON stream for the topic and keeps it
// open forever: a read timeout reconnects immediately, a connect or HTTP
// failure backs off exponentially up to the cap.
func (n *ntfyNotifier) Subscribe(ctx context.Context) <-chan Event {
	events := make(chan Event)

	go func() {
		defer close(events)

		delay := reconnectBaseDelay
		for ctx.Err() == nil {
			err := n.streamOnce(ctx, events)
			if ctx.Err() != nil {
				return
			}

			if isTimeout(err) {
				log.Debugf("Subscription read timed out, reconnecting\n")
				continue
			}

			log.Warnf("Subscription stream failed (%v), reconnecting in %s\n", err, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}

			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
		}
	}()

	return events
}

// streamOnce holds one streaming connection open, forwarding message
// events until the stream breaks.
func (n *ntfyNotifier) streamOnce(ctx context.Context, events chan<- Event) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, n.topicURL()+"/json", nil)
	if err != nil {
		return err
	}

	streamClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
		},
	}

	response, err := streamClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("subscribe returned %s", response.Status)
	}

	reader := bufio.NewReader(&timeoutReader{ctx: ctx, body: response.Body})
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return err
		}

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			log.Debugf("Dropping malformed stream line: %v\n", err)
			continue
		}

		if evt.Kind != "message" {
			continue
		}

		select {
		case events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// timeoutReader enforces the per-read deadline on the streaming body. The
// stream is otherwise untimed, so a silently dead connection would hang a
// Read forever.
type timeoutReader struct {
	ctx  context.Context
	body interface {
		Read([]byte) (int, error)
		Close() error
	}
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	type readResult struct {
		n   int
		err error
	}

	result := make(chan readResult, 1)
	go func() {
		n, err := r.body.Read(p)
		result <- readResult{n, err}
	}()

	select {
	case res := <-result:
		return res.n, res.err
	case <-time.After(subscribeReadTimeout):
		r.body.Close()
		return 0, &timeoutError{}
	case <-r.ctx.Done():
		r.body.Close()
		return 0, r.ctx.Err()
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string { return "stream read timed out" }
func (e *timeoutError) Timeout() bool { return true }

func isTimeout(err error) bool {
	timeout, ok := err.(interface{ Timeout() bool })
	return ok && timeout.Timeout()
}
