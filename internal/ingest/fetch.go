package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/banshee-data/sapflow.report/internal/httputil"
)

const maxFetchBody = 64 << 20

// SplitMessages splits a batch file or response body into messages. It
// accepts a JSON array or a stream of concatenated / newline-delimited
// JSON values.
func SplitMessages(data []byte) ([][]byte, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return nil, fmt.Errorf("failed to parse message array: %w", err)
		}
		out := make([][]byte, len(arr))
		for i, m := range arr {
			out[i] = m
		}
		return out, nil
	}

	var out [][]byte
	dec := json.NewDecoder(bytes.NewReader(data))
	for {
		var m json.RawMessage
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse message %d: %w", len(out), err)
		}
		out = append(out, m)
	}
}

// ReadMessagesFile loads messages from a batch file.
func ReadMessagesFile(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return SplitMessages(data)
}

// FetchMessages retrieves stored uplinks from url, such as The Things Stack
// storage integration endpoint, authenticating with apiKey when set.
func FetchMessages(ctx context.Context, client httputil.HTTPClient, url, apiKey string) ([][]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := body
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		return nil, fmt.Errorf("fetch messages: %s: %s", resp.Status, bytes.TrimSpace(snippet))
	}
	return SplitMessages(body)
}
