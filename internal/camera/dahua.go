package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/internal/state"
	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("Dahua")

const (
	mediaFindTemplate     = "http://%s/cgi-bin/mediaFileFind.cgi?%s"
	loadFileTemplate      = "http://%s/cgi-bin/RPC_Loadfile%s"
	machineNameTemplate   = "http://%s/cgi-bin/magicBox.cgi?action=getMachineName"
	logFindTemplate       = "http://%s/cgi-bin/log.cgi?%s"
	findNextBatchSize     = 100
	defaultRequestTimeout = 30 * time.Second
)

type DahuaConfig struct {
	DeviceIP string
	Username string
	Password string
}

// dahuaCamera talks the Dahua HTTP CGI dialect. All endpoints return plain
// 'key=value' line bodies; list endpoints index repeated records as
// 'items[N].Field=...'.
type dahuaCamera struct {
	config DahuaConfig

	// Listing/control calls carry a deadline; file streaming does not, as a
	// long .dav transfer can legitimately exceed any fixed timeout.
	client       *http.Client
	streamClient *http.Client
}

func NewDahua(config DahuaConfig) *dahuaCamera {
	auth := &digestAuthTransport{
		username:  config.Username,
		password:  config.Password,
		transport: http.DefaultTransport,
	}

	return &dahuaCamera{
		config:       config,
		client:       &http.Client{Transport: auth, Timeout: defaultRequestTimeout},
		streamClient: &http.Client{Transport: auth},
	}
}

// CheckAvailability pings the device identity endpoint. Any well-formed
// answer counts as available.
func (cam *dahuaCamera) CheckAvailability(ctx context.Context) bool {
	body, err := cam.get(ctx, fmt.Sprintf(machineNameTemplate, cam.config.DeviceIP))
	if err != nil {
		log.Debugf("Availability check failed: %v\n", err)
		return false
	}

	return strings.Contains(body, "name=")
}

// ListRecordings enumerates .dav files recorded between 'from' and 'to'
// using the camera's media file finder. The finder is a stateful
// create/find/next/close object on the camera side.
func (cam *dahuaCamera) ListRecordings(ctx context.Context, from time.Time, to time.Time) ([]Recording, error) {
	finder, err := cam.get(ctx, cam.mediaFindURL("action=factory.create"))
	if err != nil {
		return nil, fmt.Errorf("failed to create media finder: %w", err)
	}

	object := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(finder), "result="))
	if object == "" {
		return nil, fmt.Errorf("camera returned no media finder object")
	}

	defer func() {
		_, _ = cam.get(ctx, cam.mediaFindURL("action=close&object="+object))
		_, _ = cam.get(ctx, cam.mediaFindURL("action=destroy&object="+object))
	}()

	condition := url.Values{}
	condition.Set("action", "findFile")
	condition.Set("object", object)
	condition.Set("condition.Channel", "1")
	condition.Set("condition.StartTime", from.Format(state.CameraTimeLayout))
	condition.Set("condition.EndTime", to.Format(state.CameraTimeLayout))
	condition.Set("condition.Types[0]", "dav")
	if _, err := cam.get(ctx, cam.mediaFindURL(condition.Encode())); err != nil {
		return nil, fmt.Errorf("media find failed: %w", err)
	}

	recordings := make([]Recording, 0)
	for {
		batch, err := cam.get(ctx, cam.mediaFindURL(fmt.Sprintf("action=findNextFile&object=%s&count=%d", object, findNextBatchSize)))
		if err != nil {
			return nil, fmt.Errorf("media find pagination failed: %w", err)
		}

		found, items := parseItemList(batch)
		for _, item := range items {
			recording, err := recordingFromItem(item)
			if err != nil {
				log.Warnf("Skipping unparseable media item: %v\n", err)
				continue
			}

			recordings = append(recordings, recording)
		}

		if found < findNextBatchSize {
			break
		}
	}

	return recordings, nil
}

// FileSize asks for the byte size of a camera-side file without
// transferring it.
func (cam *dahuaCamera) FileSize(ctx context.Context, remotePath string) (int64, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, fmt.Sprintf(loadFileTemplate, cam.config.DeviceIP, remotePath), nil)
	if err != nil {
		return 0, err
	}

	response, err := cam.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("camera answered %s for size of %s", response.Status, remotePath)
	}

	return response.ContentLength, nil
}

// Download streams a camera-side file to the local path provided, reporting
// progress as it goes. The file is written directly to its destination; the
// caller is responsible for removing partial output on failure.
func (cam *dahuaCamera) Download(ctx context.Context, remotePath string, localPath string, onProgress ProgressFunc) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(loadFileTemplate, cam.config.DeviceIP, remotePath), nil)
	if err != nil {
		return err
	}

	response, err := cam.streamClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("camera answered %s for %s", response.Status, remotePath)
	}

	output, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer output.Close()

	total := response.ContentLength
	written := int64(0)
	buffer := make([]byte, 256*1024)
	for {
		read, readErr := response.Body.Read(buffer)
		if read > 0 {
			if _, writeErr := output.Write(buffer[:read]); writeErr != nil {
				return writeErr
			}

			written += int64(read)
			if onProgress != nil {
				onProgress(written, total)
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return readErr
		}
	}

	if total >= 0 && written != total {
		return fmt.Errorf("transfer truncated: wrote %d of %d bytes", written, total)
	}

	return output.Sync()
}

// ConnectedTimeframes reads the device event log for platform
// connect/disconnect pairs. A connect without a matching disconnect is an
// open-ended window.
func (cam *dahuaCamera) ConnectedTimeframes(ctx context.Context) ([]Timeframe, error) {
	token, err := cam.get(ctx, cam.logFindURL(url.Values{
		"action":              {"startFind"},
		"condition.StartTime": {time.Now().AddDate(0, 0, -7).Format(state.CameraTimeLayout)},
		"condition.EndTime":   {time.Now().Format(state.CameraTimeLayout)},
	}.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to open log find: %w", err)
	}

	object := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "token="))
	defer func() { _, _ = cam.get(ctx, cam.logFindURL("action=stopFind&token="+object)) }()

	timeframes := make([]Timeframe, 0)
	var open *time.Time
	for {
		batch, err := cam.get(ctx, cam.logFindURL(fmt.Sprintf("action=doFind&token=%s&count=%d", object, findNextBatchSize)))
		if err != nil {
			return nil, fmt.Errorf("log find pagination failed: %w", err)
		}

		found, items := parseItemList(batch)
		for _, item := range items {
			eventTime, err := time.ParseInLocation(state.CameraTimeLayout, item["Time"], time.Local)
			if err != nil {
				continue
			}

			switch {
			case strings.Contains(item["Type"], "Platform Connect"):
				start := eventTime
				open = &start
			case strings.Contains(item["Type"], "Platform Disconnect"):
				if open != nil {
					end := eventTime
					timeframes = append(timeframes, Timeframe{Start: *open, End: &end})
					open = nil
				}
			}
		}

		if found < findNextBatchSize {
			break
		}
	}

	if open != nil {
		timeframes = append(timeframes, Timeframe{Start: *open})
	}

	return timeframes, nil
}

func (cam *dahuaCamera) mediaFindURL(query string) string {
	return fmt.Sprintf(mediaFindTemplate, cam.config.DeviceIP, query)
}

func (cam *dahuaCamera) logFindURL(query string) string {
	return fmt.Sprintf(logFindTemplate, cam.config.DeviceIP, query)
}

func (cam *dahuaCamera) get(ctx context.Context, endpoint string) (string, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	response, err := cam.client.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return "", fmt.Errorf("camera answered %s", response.Status)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return "", err
	}

	return string(body), nil
}

func recordingFromItem(item map[string]string) (Recording, error) {
	startTime, err := time.ParseInLocation(state.CameraTimeLayout, item["StartTime"], time.Local)
	if err != nil {
		return Recording{}, fmt.Errorf("bad StartTime %q: %w", item["StartTime"], err)
	}

	endTime, err := time.ParseInLocation(state.CameraTimeLayout, item["EndTime"], time.Local)
	if err != nil {
		return Recording{}, fmt.Errorf("bad EndTime %q: %w", item["EndTime"], err)
	}

	if item["FilePath"] == "" {
		return Recording{}, fmt.Errorf("media item carries no FilePath")
	}

	return Recording{Path: item["FilePath"], StartTime: startTime, EndTime: endTime}, nil
}

// parseItemList parses a Dahua 'found=N' + 'items[N].Field=value' body into
// per-item field maps.
func parseItemList(body string) (int, []map[string]string) {
	found := 0
	items := make(map[int]map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		if key == "found" {
			found, _ = strconv.Atoi(value)
			continue
		}

		if !strings.HasPrefix(key, "items[") {
			continue
		}

		indexPart, fieldPart, ok := strings.Cut(strings.TrimPrefix(key, "items["), "].")
		if !ok {
			continue
		}

		index, err := strconv.Atoi(indexPart)
		if err != nil {
			continue
		}

		if items[index] == nil {
			items[index] = make(map[string]string)
		}
		items[index][fieldPart] = value
	}

	ordered := make([]map[string]string, 0, len(items))
	for i := 0; i < len(items); i++ {
		if item, ok := items[i]; ok {
			ordered = append(ordered, item)
		}
	}

	return found, ordered
}
