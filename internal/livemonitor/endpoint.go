package livemonitor

import (
	"fmt"
	"net/url"
	"strings"
)

// Endpoint derives the processing stream URL for analysisID from the page
// that hosts the monitor. The transport mirrors the page: https pages get
// wss, everything else ws.
func Endpoint(pageURL, analysisID string) (string, error) {
	if strings.TrimSpace(analysisID) == "" {
		return "", fmt.Errorf("analysis id is required")
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("page url %q has no host", pageURL)
	}

	scheme := "ws"
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	}
	out := url.URL{
		Scheme: scheme,
		Host:   u.Host,
		Path:   "/ws/processing/" + url.PathEscape(analysisID) + "/",
	}
	return out.String(), nil
}
