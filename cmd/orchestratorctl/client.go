package main

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// postVerb calls one of the Control API's no-body lifecycle verbs
// (start/pause/resume/stop) and prints the raw JSON response body.
func postVerb(base, sessionID, verb string) error {
	url := fmt.Sprintf("%s/sessions/%s/%s", base, sessionID, verb)
	resp, err := httpClient.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w", verb, sessionID, err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func getPath(base, path string) error {
	resp, err := httpClient.Get(base + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printBody(resp)
}

func printBody(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	fmt.Println(string(body))
	return nil
}
