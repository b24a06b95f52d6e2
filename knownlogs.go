package ctbt

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"ctbt.dev/ctbt/internal/durable"
)

// LogDescriptor identifies one RFC 6962 log and carries the public key
// needed to verify its Signed Tree Heads. It is the Go-native form of one
// entry in a v3 log_list.json, as published at
// https://www.gstatic.com/ct/log_list/v3/log_list.json.
type LogDescriptor struct {
	Description string `json:"description"`
	LogID       string `json:"log_id"` // base64 SHA-256 of the public key, RFC 6962 §3.2
	URL         string `json:"url"`
	Operator    string `json:"-"`

	PublicKey crypto.PublicKey `json:"-"`
}

type logList struct {
	Operators []struct {
		Name string `json:"name"`
		Logs []struct {
			Description string `json:"description"`
			LogID       string `json:"log_id"`
			Key         string `json:"key"`
			URL         string `json:"url"`
		} `json:"logs"`
	} `json:"operators"`
}

// FetchKnownLogs retrieves and parses a v3 log_list.json from url.
func FetchKnownLogs(ctx context.Context, httpClient *http.Client, url string) ([]LogDescriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &ConfigError{Field: "known_logs_url", Err: err}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientNetworkError{URL: url, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPClientError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}
	return parseKnownLogs(body)
}

// LoadKnownLogs reads a log list previously cached on disk by SaveKnownLogs.
func LoadKnownLogs(path string) ([]LogDescriptor, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, &DiskIOError{Path: path, Op: "read", Err: err}
	}
	return parseKnownLogs(body)
}

// SaveKnownLogs writes raw to path as a cache for a future LoadKnownLogs,
// using durable.WriteFile so a crash mid-write never leaves a truncated or
// missing cache file behind.
func SaveKnownLogs(path string, raw []byte) error {
	if err := durable.WriteFile(path, raw, 0o644); err != nil {
		return &DiskIOError{Path: path, Op: "write", Err: err}
	}
	return nil
}

func parseKnownLogs(body []byte) ([]LogDescriptor, error) {
	var list logList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &ConfigError{Field: "known_logs", Err: fmt.Errorf("parsing log list: %w", err)}
	}
	var out []LogDescriptor
	for _, op := range list.Operators {
		for _, l := range op.Logs {
			der, err := base64.StdEncoding.DecodeString(l.Key)
			if err != nil {
				return nil, &ConfigError{Field: "known_logs", Err: fmt.Errorf("log %q: decoding public key: %w", l.URL, err)}
			}
			pub, err := x509.ParsePKIXPublicKey(der)
			if err != nil {
				return nil, &ConfigError{Field: "known_logs", Err: fmt.Errorf("log %q: parsing public key: %w", l.URL, err)}
			}
			out = append(out, LogDescriptor{
				Description: l.Description,
				LogID:       l.LogID,
				URL:         withHTTPSScheme(l.URL),
				Operator:    op.Name,
				PublicKey:   pub,
			})
		}
	}
	return out, nil
}

// withHTTPSScheme prefixes url with "https://" if it has none yet. Per
// spec.md's known-logs convention, the list stores a bare authority/path for
// each log, and the client is responsible for adding the scheme before
// dialing it.
func withHTTPSScheme(url string) string {
	if strings.Contains(url, "://") {
		return url
	}
	return "https://" + url
}

// FindLog returns the descriptor in logs whose URL matches url, or an error
// naming the log as unrecognized. Trailing slashes and an absent or present
// scheme are both normalized away before comparing, since operators are
// inconsistent about publishing either.
func FindLog(logs []LogDescriptor, url string) (LogDescriptor, error) {
	norm := func(s string) string {
		if i := strings.Index(s, "://"); i >= 0 {
			s = s[i+len("://"):]
		}
		for len(s) > 0 && s[len(s)-1] == '/' {
			s = s[:len(s)-1]
		}
		return s
	}
	want := norm(url)
	for _, l := range logs {
		if norm(l.URL) == want {
			return l, nil
		}
	}
	return LogDescriptor{}, &ConfigError{Field: "log_url", Err: fmt.Errorf("%q is not in the known logs list", url)}
}
