// Copyright 2024-2026 Aiku AI

// Package telegram is a minimal Telegram Bot API client covering what the
// bridge needs: webhook management and file downloads. Update payloads
// themselves arrive over the webhook and are parsed elsewhere.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// DefaultAPIBase is the production Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// MaxFileSize is the largest file the Bot API will serve to bots.
const MaxFileSize = 20 << 20

// APIError is a Bot API level failure (ok=false in the envelope).
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram API error %d: %s", e.Code, e.Description)
}

// BotInfo describes the authenticated bot.
type BotInfo struct {
	ID        int64
	Username  string
	FirstName string
}

// WebhookInfo is the current webhook registration as Telegram sees it.
type WebhookInfo struct {
	URL                string    `json:"url"`
	PendingUpdateCount int64     `json:"pending_update_count"`
	LastErrorDate      time.Time `json:"last_error_date,omitzero"`
	LastErrorMessage   string    `json:"last_error_message,omitempty"`
	MaxConnections     int64     `json:"max_connections,omitempty"`
}

// allowedUpdates are the update kinds the bridge asks Telegram to deliver.
var allowedUpdates = []string{
	"message",
	"channel_post",
	"edited_message",
	"edited_channel_post",
	"deleted_business_messages",
}

// Client talks to the Bot API for one bot token.
type Client struct {
	token   string
	apiBase string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient builds a Client. The token is kept out of every error and log
// line the client produces.
func NewClient(token string, log zerolog.Logger) *Client {
	return &Client{
		token:   token,
		apiBase: DefaultAPIBase,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

// GetMe verifies the token and returns the bot identity.
func (c *Client) GetMe(ctx context.Context) (*BotInfo, error) {
	res, err := c.call(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	return &BotInfo{
		ID:        res.Get("id").Int(),
		Username:  res.Get("username").String(),
		FirstName: res.Get("first_name").String(),
	}, nil
}

// SetWebhook points Telegram at webhookURL, restricted to the update kinds
// the bridge handles.
func (c *Client) SetWebhook(ctx context.Context, webhookURL string) error {
	kinds := `["` + strings.Join(allowedUpdates, `","`) + `"]`
	_, err := c.call(ctx, "setWebhook", url.Values{
		"url":             {webhookURL},
		"allowed_updates": {kinds},
	})
	return err
}

// DeleteWebhook unregisters the webhook. With dropPending, updates queued
// on the Telegram side are discarded too.
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := c.call(ctx, "deleteWebhook", url.Values{
		"drop_pending_updates": {strconv.FormatBool(dropPending)},
	})
	return err
}

// GetWebhookInfo returns the current webhook registration.
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	res, err := c.call(ctx, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	info := &WebhookInfo{
		URL:                res.Get("url").String(),
		PendingUpdateCount: res.Get("pending_update_count").Int(),
		LastErrorMessage:   res.Get("last_error_message").String(),
		MaxConnections:     res.Get("max_connections").Int(),
	}
	if ts := res.Get("last_error_date").Int(); ts > 0 {
		info.LastErrorDate = time.Unix(ts, 0)
	}
	return info, nil
}

// GetFile resolves a file id to a download path on the file endpoint.
func (c *Client) GetFile(ctx context.Context, fileID string) (path string, size int64, err error) {
	res, err := c.call(ctx, "getFile", url.Values{"file_id": {fileID}})
	if err != nil {
		return "", 0, err
	}
	path = res.Get("file_path").String()
	if path == "" {
		return "", 0, fmt.Errorf("telegram did not return a file path for %s", fileID)
	}
	return path, res.Get("file_size").Int(), nil
}

// DownloadFile fetches the bytes behind a path returned by GetFile.
func (c *Client) DownloadFile(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.redact(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("file download failed with status %d", resp.StatusCode)
	}
	if resp.ContentLength > MaxFileSize {
		return nil, fmt.Errorf("file is %d bytes, over the %d byte limit", resp.ContentLength, MaxFileSize)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return nil, c.redact(err)
	}
	if len(data) > MaxFileSize {
		return nil, fmt.Errorf("file exceeds the %d byte limit", MaxFileSize)
	}
	return data, nil
}

// DownloadFileID resolves and downloads a file in one go. It checks the
// declared size before transferring anything.
func (c *Client) DownloadFileID(ctx context.Context, fileID string) ([]byte, error) {
	path, size, err := c.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if size > MaxFileSize {
		return nil, fmt.Errorf("file %s is %d bytes, over the %d byte limit", fileID, size, MaxFileSize)
	}
	c.log.Debug().Str("file_id", fileID).Str("path", path).Int64("size", size).Msg("Downloading file")
	return c.DownloadFile(ctx, path)
}

// call performs one Bot API method call and unwraps the result envelope.
func (c *Client) call(ctx context.Context, method string, params url.Values) (gjson.Result, error) {
	var body io.Reader
	if len(params) > 0 {
		body = strings.NewReader(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method), body)
	if err != nil {
		return gjson.Result{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, c.redact(err))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("%s: failed to read response: %w", method, c.redact(err))
	}
	if !gjson.ValidBytes(payload) {
		return gjson.Result{}, fmt.Errorf("%s: response is not JSON (status %d)", method, resp.StatusCode)
	}
	envelope := gjson.ParseBytes(payload)
	if !envelope.Get("ok").Bool() {
		return gjson.Result{}, fmt.Errorf("%s: %w", method, &APIError{
			Code:        int(envelope.Get("error_code").Int()),
			Description: envelope.Get("description").String(),
		})
	}
	return envelope.Get("result"), nil
}

// redact scrubs the bot token from transport errors; url.Error stringifies
// the full request URL, token included.
func (c *Client) redact(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		uerr.URL = strings.ReplaceAll(uerr.URL, c.token, "<token>")
		return err
	}
	return err
}
