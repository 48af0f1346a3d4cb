package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sbma44/treelemetry/errors"
)

type homeResponse struct {
	Code string `json:"code"`
	Data struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"data"`
}

// fetchHomeID resolves the account's home ID, which scopes the MQTT
// report topic subscription.
func fetchHomeID(ctx context.Context, client *http.Client, apiURL, token string) (string, string, error) {
	payload, err := json.Marshal(map[string]string{"method": "Home.getGeneralInfo"})
	if err != nil {
		return "", "", errors.WrapFatal(err, componentName, "fetchHomeID", "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", "", errors.WrapFatal(err, componentName, "fetchHomeID", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return "", "", errors.WrapTransient(err, componentName, "fetchHomeID", "request home info")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", errors.WrapTransient(err, componentName, "fetchHomeID", "read response")
	}

	var parsed homeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", "", errors.WrapTransient(err, componentName, "fetchHomeID", "parse response")
	}

	if parsed.Data.ID == "" {
		return "", "", errors.WrapTransient(
			fmt.Errorf("home info response missing id (code %s)", parsed.Code),
			componentName, "fetchHomeID", "resolve home id")
	}

	return parsed.Data.ID, parsed.Data.Name, nil
}
