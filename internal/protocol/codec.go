package protocol

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// EncodeResult serializes a DispatchResult to JSON and writes it to w.
func EncodeResult(w io.Writer, res *DispatchResult) error {
	if err := validateStatus(res.Status); err != nil {
		return err
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(res); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// DecodeResult reads a DispatchResult from r.
func DecodeResult(r io.Reader) (*DispatchResult, error) {
	var res DispatchResult

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields() // Strict parsing

	if err := decoder.Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	if err := validateStatus(res.Status); err != nil {
		return nil, err
	}
	if res.Status != StatusCompleted && res.Message == "" {
		return nil, fmt.Errorf("result has status=%s but no message", res.Status)
	}
	return &res, nil
}

// DecodeRequest reads a DispatchRequest from r and returns it with the
// parsed timeout.
func DecodeRequest(r io.Reader) (*DispatchRequest, time.Duration, error) {
	var req DispatchRequest

	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&req); err != nil {
		return nil, 0, fmt.Errorf("failed to decode request: %w", err)
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, 0, fmt.Errorf("request missing required field: command")
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid timeout %q: %w", req.Timeout, err)
		}
		if d < 0 {
			return nil, 0, fmt.Errorf("timeout must not be negative: %s", req.Timeout)
		}
		timeout = d
	}
	return &req, timeout, nil
}

func validateStatus(status string) error {
	switch status {
	case StatusCompleted, StatusRejected, StatusDegraded:
		return nil
	case "":
		return fmt.Errorf("result missing required field: status")
	default:
		return fmt.Errorf("invalid status value: %q (must be completed, rejected or degraded)", status)
	}
}
