package eta

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const (
	DefaultModelTimeout = 5 * time.Second
	modelHealthTimeout  = 2 * time.Second
)

// ErrNoPrediction is returned when the model answers without any item.
var ErrNoPrediction = errors.New("model returned no prediction")

// Features describe the vehicle and target stop a delay is predicted for.
type Features struct {
	TripID           string   `json:"trip_id"`
	RouteID          string   `json:"route_id"`
	VehicleID        string   `json:"vehicle_id"`
	StopID           string   `json:"stop_id"`
	StopSequence     int      `json:"stop_sequence"`
	Latitude         float64  `json:"latitude"`
	Longitude        float64  `json:"longitude"`
	Speed            *float64 `json:"speed,omitempty"`
	Bearing          *float64 `json:"bearing,omitempty"`
	VehicleTimestamp string   `json:"vehicle_timestamp"`
}

type Prediction struct {
	DelayS       int
	ModelVersion string
}

type predictRequest struct {
	Items []predictItem `json:"items"`
}

type predictItem struct {
	Features Features `json:"features"`
}

type predictResponse struct {
	Items []struct {
		PredictedDelayS int    `json:"predicted_delay_s"`
		ModelVersion    string `json:"model_version"`
	} `json:"items"`
}

// ModelClient talks to the delay prediction service over HTTP.
type ModelClient struct {
	baseURL string
	client  *http.Client
}

func NewModelClient(baseURL string, timeout time.Duration) *ModelClient {
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}
	return &ModelClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Predict posts one feature set to {base}/predict and returns the first item
// of the answer.
func (m *ModelClient) Predict(ctx context.Context, f Features) (Prediction, error) {
	body, err := json.Marshal(predictRequest{Items: []predictItem{{Features: f}}})
	if err != nil {
		return Prediction{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return Prediction{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Prediction{}, fmt.Errorf("predict: unexpected status %d", resp.StatusCode)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Prediction{}, fmt.Errorf("decode prediction: %w", err)
	}
	if len(out.Items) == 0 {
		return Prediction{}, ErrNoPrediction
	}
	item := out.Items[0]
	return Prediction{DelayS: item.PredictedDelayS, ModelVersion: item.ModelVersion}, nil
}

// Health reports an error unless {base}/health answers 200 within two seconds.
func (m *ModelClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, modelHealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model health: status %d", resp.StatusCode)
	}
	return nil
}
