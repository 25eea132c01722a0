// Copyright 2026 The Jobdeck Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jobdeck/chat/lib/netutil"
	"github.com/jobdeck/chat/wire"
)

// TokenProvider supplies the current bearer token. It is called per
// request and per dial, so token rotation by the host application is
// picked up without reconstructing the client.
type TokenProvider func() string

// restClient covers the REST surface of the chat API: history
// pagination, the send fallback used while the socket is down, and
// direct-room creation.
type restClient struct {
	baseURL    string
	httpClient *http.Client
	token      TokenProvider
	logger     *slog.Logger
}

// History fetches a page of messages for a room. before and after are
// exclusive id cursors (zero means unset); the response is in
// descending id order.
func (r *restClient) History(ctx context.Context, roomID string, before, after int64, limit int) (*wire.HistoryPage, error) {
	query := url.Values{}
	if before > 0 {
		query.Set("before", strconv.FormatInt(before, 10))
	}
	if after > 0 {
		query.Set("after", strconv.FormatInt(after, 10))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	body, err := r.do(ctx, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID)+"/messages", query, nil)
	if err != nil {
		return nil, fmt.Errorf("client: history for room %s: %w", roomID, err)
	}

	var page wire.HistoryPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("client: parsing history response: %w", err)
	}
	return &page, nil
}

// SendMessage posts a message over REST. Used only when the persistent
// connection is unavailable; the response carries the server-assigned
// message, which the caller uses to confirm the optimistic entry.
func (r *restClient) SendMessage(ctx context.Context, roomID, content string, replyTo int64) (*wire.Message, error) {
	request := struct {
		Content string `json:"content"`
		ReplyTo int64  `json:"reply_to,omitempty"`
	}{Content: content, ReplyTo: replyTo}

	body, err := r.do(ctx, http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/messages", nil, request)
	if err != nil {
		return nil, fmt.Errorf("client: rest send to room %s: %w", roomID, err)
	}

	var message wire.Message
	if err := json.Unmarshal(body, &message); err != nil {
		return nil, fmt.Errorf("client: parsing send response: %w", err)
	}
	return &message, nil
}

// DirectRoom gets or creates the direct-message room shared with
// another user. The server keys direct rooms by the participant pair,
// so repeated calls return the same room with Created=false.
func (r *restClient) DirectRoom(ctx context.Context, otherUserID string) (*wire.DirectRoomResponse, error) {
	request := struct {
		OtherUserID string `json:"other_user_id"`
	}{OtherUserID: otherUserID}

	body, err := r.do(ctx, http.MethodPost, "/api/rooms/direct", nil, request)
	if err != nil {
		return nil, fmt.Errorf("client: direct room with %s: %w", otherUserID, err)
	}

	var response wire.DirectRoomResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("client: parsing direct room response: %w", err)
	}
	return &response, nil
}

// do performs one API request and returns the response body. On 2xx
// the body is returned; on any other status the body is parsed as a
// *wire.APIError.
func (r *restClient) do(ctx context.Context, method, path string, query url.Values, requestBody any) ([]byte, error) {
	requestURL := r.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Authorization", "Bearer "+r.token())

	response, err := r.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var apiErr wire.APIError
	if jsonErr := json.Unmarshal(responseBody, &apiErr); jsonErr != nil || apiErr.Code == "" {
		// Non-JSON error body: fail loud with the raw payload.
		return nil, fmt.Errorf("unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	apiErr.StatusCode = response.StatusCode
	return nil, &apiErr
}
