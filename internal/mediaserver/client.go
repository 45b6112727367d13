package mediaserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/streamprobe/streamprobe/internal/probe"
	"github.com/streamprobe/streamprobe/pkg/errors"
	"github.com/streamprobe/streamprobe/pkg/models"
)

const (
	clientName     = "StreamProbe"
	catalogRetries = 3
	retryDelay     = 500 * time.Millisecond
	// Catalog pagination and recent-item caps
	defaultRecentLimit = 10000
)

// Client is a Jellyfin-compatible media server client. It implements
// both collaborator roles the engine consumes: transcode session
// negotiation plus stream fetching for the probe, and catalog queries
// for the orchestrator and scanner.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger

	mu     sync.Mutex
	userID string
}

// NewClient creates a media server client.
func NewClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: logger.Named("mediaserver"),
	}
}

func (c *Client) authHeaders(h http.Header) {
	h.Set("X-Emby-Token", c.apiKey)
	h.Set("X-Emby-Authorization",
		fmt.Sprintf(`MediaBrowser Client=%q, Device="Probe", DeviceId="streamprobe-1", Version="1.0.0"`, clientName))
}

// TestConnection verifies the server is reachable and authenticated.
func (c *Client) TestConnection(ctx context.Context) (*ServerInfo, error) {
	var info systemInfoResponse
	if err := c.getJSON(ctx, "/System/Info", nil, &info); err != nil {
		return nil, errors.UpstreamUnavailable("failed to reach media server", err)
	}
	return &ServerInfo{Name: info.ServerName, Version: info.Version}, nil
}

// cachedUserID resolves and caches the API user all catalog queries run as.
func (c *Client) cachedUserID(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return c.userID, nil
	}

	var users []userResponse
	if err := c.getJSON(ctx, "/Users", nil, &users); err != nil {
		return "", fmt.Errorf("failed to get user id: %w", err)
	}
	if len(users) == 0 {
		return "", errors.UpstreamUnavailable("server returned no users", nil)
	}
	c.userID = users[0].ID
	return c.userID, nil
}

// NegotiateSession starts a transcoding playback session for the item
// under the given device constraints. Fails fast when the server
// returns no playable media source.
func (c *Client) NegotiateSession(ctx context.Context, itemID, deviceID string, constraints probe.Constraints) (*probe.Session, error) {
	userID, err := c.cachedUserID(ctx)
	if err != nil {
		return nil, errors.UpstreamUnavailable("failed to resolve user", err)
	}

	body := map[string]interface{}{
		"UserId":             userID,
		"StartTimeTicks":     0,
		"IsPlayback":         true,
		"AutoOpenLiveStream": true,
		"MediaSourceId":      itemID,
		"MaxStreamingBitrate": constraints.MaxBitrate,
		"AudioCodec":          constraints.AudioCodec,
		"VideoCodec":          constraints.VideoCodec,
		"MaxWidth":            constraints.MaxWidth,
		"MaxHeight":           constraints.MaxHeight,
		"EnableDirectPlay":    false,
		"EnableDirectStream":  false,
		"EnableTranscoding":   true,
	}

	var resp playbackInfoResponse
	err = retry.Do(
		func() error {
			return c.postJSON(ctx, "/Items/"+itemID+"/PlaybackInfo", body, deviceID, &resp)
		},
		retry.Attempts(catalogRetries),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.UpstreamUnavailable("failed to start playback session", err)
	}

	if len(resp.MediaSources) == 0 {
		return nil, errors.UpstreamUnavailable("no media sources available", nil)
	}

	source := resp.MediaSources[0]
	sessionID := resp.PlaySessionID
	if sessionID == "" {
		sessionID = source.ID
	}

	return &probe.Session{PlaySessionID: sessionID, MediaSourceID: source.ID}, nil
}

// BuildManifestURL constructs the adaptive-bitrate master playlist URL
// encoding the negotiated session and device constraints. The query
// forces transcoding so the probe always exercises the transcode
// pipeline rather than direct play.
func (c *Client) BuildManifestURL(itemID, mediaSourceID, deviceID, playSessionID string, constraints probe.Constraints) string {
	container := constraints.Container
	if container == "" {
		container = "mp4"
	}
	params := url.Values{
		"MediaSourceId":        {mediaSourceID},
		"DeviceId":             {deviceID},
		"VideoCodec":           {constraints.VideoCodec},
		"AudioCodec":           {constraints.AudioCodec},
		"MaxStreamingBitrate":  {strconv.FormatInt(constraints.MaxBitrate, 10)},
		"VideoBitrate":         {strconv.FormatInt(constraints.MaxBitrate, 10)},
		"AudioBitrate":         {"128000"},
		"MaxWidth":             {strconv.Itoa(constraints.MaxWidth)},
		"MaxHeight":            {strconv.Itoa(constraints.MaxHeight)},
		"PlaySessionId":        {playSessionID},
		"StartTimeTicks":       {"0"},
		"EnableAutoStreamCopy": {"false"},
		"AllowVideoStreamCopy": {"false"},
		"AllowAudioStreamCopy": {"false"},
		"EnableTranscoding":    {"true"},
		"TranscodingProtocol":  {"hls"},
		"SegmentContainer":     {container},
		"MinSegments":          {"2"},
		"SegmentLength":        {"3"},
		"BreakOnNonKeyFrames":  {"true"},
	}
	return c.baseURL + "/Videos/" + itemID + "/master.m3u8?" + params.Encode()
}

// FetchText fetches a playlist body. The context deadline bounds the call.
func (c *Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	data, err := c.fetch(ctx, rawURL)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FetchBinary fetches a media segment. The context deadline bounds the call.
func (c *Client) FetchBinary(ctx context.Context, rawURL string) ([]byte, error) {
	return c.fetch(ctx, rawURL)
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authHeaders(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// ReportStarted tells the server playback began so the session shows up
// on its dashboard. Best-effort.
func (c *Client) ReportStarted(ctx context.Context, itemID, playSessionID, mediaSourceID, deviceID string) {
	body := map[string]interface{}{
		"ItemId":        itemID,
		"PlaySessionId": playSessionID,
		"MediaSourceId": mediaSourceID,
		"PositionTicks": 0,
	}
	if err := c.postJSON(ctx, "/Sessions/Playing", body, deviceID, nil); err != nil {
		c.logger.Debug("failed to report playback started", zap.Error(err))
	}
}

// ReportProgress reports the simulated playback position. Best-effort.
func (c *Client) ReportProgress(ctx context.Context, itemID, playSessionID string, positionTicks int64, deviceID string) {
	body := map[string]interface{}{
		"ItemId":        itemID,
		"PlaySessionId": playSessionID,
		"PositionTicks": positionTicks,
		"IsPaused":      false,
		"IsMuted":       false,
	}
	if err := c.postJSON(ctx, "/Sessions/Playing/Progress", body, deviceID, nil); err != nil {
		c.logger.Debug("failed to report playback progress", zap.Error(err))
	}
}

// EndSession stops the playback session, releasing the server-side
// transcode. Best-effort: callers invoke it on every probe exit path.
func (c *Client) EndSession(ctx context.Context, itemID, playSessionID string, positionTicks int64, deviceID string) error {
	body := map[string]interface{}{
		"ItemId":        itemID,
		"PlaySessionId": playSessionID,
		"PositionTicks": positionTicks,
	}
	return c.postJSON(ctx, "/Sessions/Playing/Stopped", body, deviceID, nil)
}

// ListLibraries lists the server's media libraries.
func (c *Client) ListLibraries(ctx context.Context) ([]models.Library, error) {
	var folders []virtualFolder
	if err := c.getJSON(ctx, "/Library/VirtualFolders", nil, &folders); err != nil {
		return nil, errors.UpstreamUnavailable("failed to fetch libraries", err)
	}

	libraries := make([]models.Library, len(folders))
	for i, f := range folders {
		libraries[i] = models.Library{ID: f.ItemID, Name: f.Name}
	}
	return libraries, nil
}

// ListItems returns one page of a library's items plus the total count.
func (c *Client) ListItems(ctx context.Context, libraryID string, limit, offset int) ([]models.MediaItem, int, error) {
	params := url.Values{
		"ParentId":         {libraryID},
		"IncludeItemTypes": {"Movie,Episode,Video"},
		"Recursive":        {"true"},
		"Fields":           {"Path,MediaSources,DateCreated"},
		"SortBy":           {"SortName"},
		"SortOrder":        {"Ascending"},
		"Limit":            {strconv.Itoa(limit)},
		"StartIndex":       {strconv.Itoa(offset)},
	}

	var resp itemsResponse
	err := retry.Do(
		func() error { return c.getJSON(ctx, "/Items", params, &resp) },
		retry.Attempts(catalogRetries),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, 0, errors.Resolution("failed to fetch library items", err)
	}

	items := make([]models.MediaItem, len(resp.Items))
	for i, it := range resp.Items {
		items[i] = it.toModel()
	}
	return items, resp.TotalRecordCount, nil
}

// ListRecentItems returns items created within the last N days. The
// server's total count ignores the date filter, so results are
// re-filtered client-side against the cutoff.
func (c *Client) ListRecentItems(ctx context.Context, libraryID string, days, limit int) ([]models.MediaItem, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	items, err := c.listItemsSince(ctx, libraryID, cutoff, limit)
	if err != nil {
		return nil, errors.Resolution("failed to fetch recent library items", err)
	}
	return items, nil
}

// ListItemsAdded returns items created after the given instant. Used by
// the library scanner.
func (c *Client) ListItemsAdded(ctx context.Context, libraryID string, since time.Time) ([]models.MediaItem, error) {
	return c.listItemsSince(ctx, libraryID, since, defaultRecentLimit)
}

func (c *Client) listItemsSince(ctx context.Context, libraryID string, cutoff time.Time, limit int) ([]models.MediaItem, error) {
	params := url.Values{
		"ParentId":         {libraryID},
		"IncludeItemTypes": {"Movie,Episode,Video"},
		"Recursive":        {"true"},
		"Fields":           {"Path,MediaSources,DateCreated"},
		"SortBy":           {"DateCreated"},
		"SortOrder":        {"Descending"},
		"Filters":          {"IsNotFolder"},
		"MinDateCreated":   {cutoff.UTC().Format(time.RFC3339)},
		"Limit":            {strconv.Itoa(limit)},
	}

	var resp itemsResponse
	err := retry.Do(
		func() error { return c.getJSON(ctx, "/Items", params, &resp) },
		retry.Attempts(catalogRetries),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}

	items := make([]models.MediaItem, 0, len(resp.Items))
	for _, it := range resp.Items {
		item := it.toModel()
		if item.CreatedAt.IsZero() || item.CreatedAt.Before(cutoff) {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// GetItem fetches a single catalog item by id.
func (c *Client) GetItem(ctx context.Context, itemID string) (*models.MediaItem, error) {
	userID, err := c.cachedUserID(ctx)
	if err != nil {
		return nil, errors.Resolution("failed to resolve user", err)
	}

	var resp itemResponse
	err = retry.Do(
		func() error { return c.getJSON(ctx, "/Users/"+userID+"/Items/"+itemID, nil, &resp) },
		retry.Attempts(catalogRetries),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, errors.Resolution("failed to fetch item "+itemID, err)
	}

	item := resp.toModel()
	return &item, nil
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	rawURL := c.baseURL + path
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authHeaders(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body interface{}, deviceID string, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.authHeaders(req.Header)
	req.Header.Set("Content-Type", "application/json")
	if deviceID != "" {
		req.Header.Set("X-Emby-Device-Id", deviceID)
		req.Header.Set("X-Emby-Device-Name", clientName)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
