// Package apiclient is the REST side of the protocol: group and queue
// mutations are requested here, their effects come back as broadcasts on
// the socket.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PetertheMD/nautune-sub003/model"
)

const defaultRequestTimeout = 10 * time.Second

var ErrRequestFailed = errors.New("api request failed")

type Config struct {
	Logger      *zerolog.Logger
	BaseURL     string
	AccessToken string
	DeviceID    string
	HTTPClient  *http.Client
}

type Client struct {
	logger     zerolog.Logger
	httpClient *http.Client
	baseURL    string
	token      string
	deviceID   string
}

// GroupInfo is one joinable group as returned by the listing endpoint.
type GroupInfo struct {
	GroupID      string   `json:"GroupId"`
	GroupName    string   `json:"GroupName"`
	State        string   `json:"State"`
	Participants []string `json:"Participants"`
}

func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{
		logger:     cfg.Logger.With().Str("component", "apiclient").Logger(),
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.AccessToken,
		deviceID:   cfg.DeviceID,
	}
}

func (c *Client) NewGroup(ctx context.Context, name string) error {
	return c.post(ctx, "/SyncPlay/New", map[string]any{"GroupName": name})
}

func (c *Client) JoinGroup(ctx context.Context, groupID string) error {
	return c.post(ctx, "/SyncPlay/Join", map[string]any{"GroupId": groupID})
}

func (c *Client) LeaveGroup(ctx context.Context) error {
	return c.post(ctx, "/SyncPlay/Leave", nil)
}

func (c *Client) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	var groups []GroupInfo
	if err := c.get(ctx, "/SyncPlay/List", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

// Queue appends items to the group queue. Mode is the enqueue position
// ("Queue" for the tail, "QueueNext" right after the current item).
func (c *Client) Queue(ctx context.Context, itemIDs []string, mode string) error {
	return c.post(ctx, "/SyncPlay/Queue", map[string]any{
		"ItemIds": itemIDs,
		"Mode":    mode,
	})
}

func (c *Client) RemoveFromQueue(ctx context.Context, playlistItemIDs []string) error {
	return c.post(ctx, "/SyncPlay/RemoveFromPlaylist", map[string]any{
		"PlaylistItemIds": playlistItemIDs,
	})
}

func (c *Client) MoveItem(ctx context.Context, playlistItemID string, newIndex int) error {
	return c.post(ctx, "/SyncPlay/MovePlaylistItem", map[string]any{
		"PlaylistItemId": playlistItemID,
		"NewIndex":       newIndex,
	})
}

func (c *Client) SetNewQueue(ctx context.Context, itemIDs []string, startIndex int) error {
	return c.post(ctx, "/SyncPlay/SetNewQueue", map[string]any{
		"PlayingQueue":     itemIDs,
		"PlayingItemIndex": startIndex,
	})
}

func (c *Client) Unpause(ctx context.Context) error {
	return c.post(ctx, "/SyncPlay/Unpause", nil)
}

func (c *Client) Pause(ctx context.Context) error {
	return c.post(ctx, "/SyncPlay/Pause", nil)
}

func (c *Client) Seek(ctx context.Context, positionTicks int64) error {
	return c.post(ctx, "/SyncPlay/Seek", map[string]any{"PositionTicks": positionTicks})
}

func (c *Client) SetCurrentItem(ctx context.Context, playlistItemID string) error {
	return c.post(ctx, "/SyncPlay/SetPlaylistItem", map[string]any{
		"PlaylistItemId": playlistItemID,
	})
}

func (c *Client) Next(ctx context.Context, playlistItemID string) error {
	return c.post(ctx, "/SyncPlay/NextItem", map[string]any{
		"PlaylistItemId": playlistItemID,
	})
}

func (c *Client) Previous(ctx context.Context, playlistItemID string) error {
	return c.post(ctx, "/SyncPlay/PreviousItem", map[string]any{
		"PlaylistItemId": playlistItemID,
	})
}

func (c *Client) SetReady(ctx context.Context, positionTicks int64, isPlaying bool) error {
	return c.post(ctx, "/SyncPlay/Ready", map[string]any{
		"When":          time.Now().UTC().Format(time.RFC3339Nano),
		"PositionTicks": positionTicks,
		"IsPlaying":     isPlaying,
	})
}

func (c *Client) SetBuffering(ctx context.Context, positionTicks int64, isPlaying bool) error {
	return c.post(ctx, "/SyncPlay/Buffering", map[string]any{
		"When":          time.Now().UTC().Format(time.RFC3339Nano),
		"PositionTicks": positionTicks,
		"IsPlaying":     isPlaying,
	})
}

// Ping reports the local send timestamp; the returned response is the ack
// the clock synchronizer times.
func (c *Client) Ping(ctx context.Context, sentAt time.Time) error {
	return c.post(ctx, "/SyncPlay/Ping", map[string]any{
		"Ping": sentAt.UnixMilli(),
	})
}

// GetItems resolves catalog metadata for a batch of item ids in a single
// request.
func (c *Client) GetItems(ctx context.Context, ids []string) ([]model.Track, error) {
	var resp struct {
		Items []struct {
			ID           string `json:"Id"`
			Name         string `json:"Name"`
			Album        string `json:"Album"`
			AlbumArtist  string `json:"AlbumArtist"`
			RunTimeTicks int64  `json:"RunTimeTicks"`
			ImageTags    struct {
				Primary string `json:"Primary"`
			} `json:"ImageTags"`
		} `json:"Items"`
	}
	q := url.Values{"ids": []string{strings.Join(ids, ",")}}
	if err := c.get(ctx, "/Items", q, &resp); err != nil {
		return nil, err
	}
	tracks := make([]model.Track, 0, len(resp.Items))
	for _, it := range resp.Items {
		tracks = append(tracks, model.Track{
			ID:           it.ID,
			Name:         it.Name,
			Artist:       it.AlbumArtist,
			Album:        it.Album,
			ImageTag:     it.ImageTags.Primary,
			RunTimeTicks: it.RunTimeTicks,
		})
	}
	return tracks, nil
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Authorization",
		fmt.Sprintf(`MediaBrowser Token="%s", DeviceId="%s"`, c.token, c.deviceID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Join(ErrRequestFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error().
			Str("path", req.URL.Path).
			Int("status", resp.StatusCode).
			Msg("request rejected")
		return fmt.Errorf("%w: %s returned %d", ErrRequestFailed, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Join(ErrRequestFailed, err)
	}
	return json.Unmarshal(body, out)
}
