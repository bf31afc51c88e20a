package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/npezzotti/go-chatkit/internal/types"
)

const defaultRequestTimeout = 10 * time.Second

// HTTPClient talks to the chat service's REST API.
type HTTPClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenProvider
	userID     string
	log        *log.Logger
}

func NewHTTPClient(baseURL, userID string, tokens TokenProvider, logger *log.Logger) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	return &HTTPClient{
		baseURL:    u,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		tokens:     tokens,
		userID:     userID,
		log:        logger,
	}, nil
}

type apiErrorResponse struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	u := *c.baseURL
	u.Path = path

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	token, err := c.tokens(c.userID)
	if err != nil {
		return fmt.Errorf("get token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.NewNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}

		// server-side failures and throttling are worth retrying,
		// anything else is a bad request
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return types.NewNetworkError(apiErr.Message, fmt.Errorf("status %d", resp.StatusCode))
		}
		return types.NewValidationError(apiErr.Message)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

func (c *HTTPClient) QueryChannels(ctx context.Context, req QueryChannelsRequest) ([]types.Channel, error) {
	var resp struct {
		Channels []types.Channel `json:"channels"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/query", req, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *HTTPClient) WatchChannel(ctx context.Context, cid string, messageLimit int) (*types.Channel, error) {
	channelType, channelID, err := types.SplitCID(cid)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Channel types.Channel `json:"channel"`
	}
	body := map[string]any{"watch": true, "message_limit": messageLimit}
	path := fmt.Sprintf("/channels/%s/%s/watch", channelType, channelID)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp.Channel, nil
}

func (c *HTTPClient) SendMessage(ctx context.Context, message types.Message) (*types.Message, error) {
	channelType, channelID, err := types.SplitCID(message.CID)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Message types.Message `json:"message"`
	}
	path := fmt.Sprintf("/channels/%s/%s/message", channelType, channelID)
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"message": message}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *HTTPClient) UpdateMessage(ctx context.Context, message types.Message) (*types.Message, error) {
	if message.ID == "" {
		return nil, types.NewValidationError("message id can't be empty")
	}

	var resp struct {
		Message types.Message `json:"message"`
	}
	if err := c.do(ctx, http.MethodPut, "/messages/"+message.ID, map[string]any{"message": message}, &resp); err != nil {
		return nil, err
	}
	return &resp.Message, nil
}

func (c *HTTPClient) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return types.NewValidationError("message id can't be empty")
	}
	return c.do(ctx, http.MethodDelete, "/messages/"+messageID, nil, nil)
}

func (c *HTTPClient) SendReaction(ctx context.Context, reaction types.Reaction) error {
	if reaction.MessageID == "" {
		return types.NewValidationError("reaction message id can't be empty")
	}
	path := fmt.Sprintf("/messages/%s/reaction", reaction.MessageID)
	return c.do(ctx, http.MethodPost, path, map[string]any{"reaction": reaction}, nil)
}

func (c *HTTPClient) DeleteReaction(ctx context.Context, messageID, reactionType string) error {
	if messageID == "" {
		return types.NewValidationError("reaction message id can't be empty")
	}
	path := fmt.Sprintf("/messages/%s/reaction/%s", messageID, reactionType)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) MarkRead(ctx context.Context, cid string) error {
	channelType, channelID, err := types.SplitCID(cid)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("/channels/%s/%s/read", channelType, channelID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) MarkAllRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/read", nil, nil)
}
