package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const maxResponseBytes = 1 << 20

// postJSON sends a JSON body and returns the response bytes. Transport and
// 5xx failures come back as *NetworkError; 4xx bodies are returned to the
// adapter, which decides whether they encode a business decline.
func postJSON(ctx context.Context, client *http.Client, gateway, endpoint string, headers map[string]string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", gateway, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, gateway, req)
}

// postForm sends an application/x-www-form-urlencoded body.
func postForm(ctx context.Context, client *http.Client, gateway, endpoint string, headers map[string]string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", gateway, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return do(client, gateway, req)
}

func do(client *http.Client, gateway string, req *http.Request) ([]byte, int, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{Gateway: gateway, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &NetworkError{Gateway: gateway, Err: err}
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return body, resp.StatusCode, &NetworkError{Gateway: gateway, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	return body, resp.StatusCode, nil
}

func sha256Hex(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func md5Hex(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256Hex(key string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacEqual(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}
