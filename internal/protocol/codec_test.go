package protocol

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func intPtr(i int) *int { return &i }

func TestEncodeResult(t *testing.T) {
	tests := []struct {
		name    string
		res     *DispatchResult
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "completed result",
			res: &DispatchResult{
				Status:         StatusCompleted,
				DispatchID:     "5f0c",
				App:            "alpha",
				State:          "completed",
				OutputLocation: "/apps/alpha/runs/x",
				Artifacts:      []string{"/apps/alpha/runs/x/a.txt"},
				ExitCode:       intPtr(0),
				DurationMS:     12,
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"status": "completed"`) {
					t.Error("missing status field")
				}
				if !strings.Contains(output, `"exit_code": 0`) {
					t.Error("zero exit code must still be present")
				}
				if strings.Contains(output, `"fallback"`) {
					t.Error("empty fallback should be omitted")
				}
			},
		},
		{
			name: "rejected result lists known apps",
			res: &DispatchResult{
				Status:  StatusRejected,
				State:   "resolved",
				Kind:    "unknown_application",
				Message: `unknown application "ghost"`,
				Known:   []string{"alpha", "beta"},
			},
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"alpha"`) || !strings.Contains(output, `"beta"`) {
					t.Error("known identifiers missing")
				}
				if strings.Contains(output, `"exit_code"`) {
					t.Error("exit_code should be omitted when nothing ran")
				}
			},
		},
		{
			name:    "missing status",
			res:     &DispatchResult{State: "received"},
			wantErr: true,
		},
		{
			name:    "unknown status",
			res:     &DispatchResult{Status: "partial"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := EncodeResult(&buf, tt.res)
			if (err != nil) != tt.wantErr {
				t.Fatalf("EncodeResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeResult(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "completed", input: `{"status":"completed","state":"completed","duration_ms":3}`},
		{name: "degraded with message", input: `{"status":"degraded","state":"executing","message":"boom","fallback":"cd /x && ./run"}`},
		{name: "degraded without message", input: `{"status":"degraded","state":"executing"}`, wantErr: "no message"},
		{name: "unknown field", input: `{"status":"completed","state":"completed","extra":1}`, wantErr: "unknown field"},
		{name: "bad status", input: `{"status":"ok","state":"completed"}`, wantErr: "invalid status"},
		{name: "not json", input: `status=ok`, wantErr: "failed to decode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := DecodeResult(strings.NewReader(tt.input))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("DecodeResult() error = %v", err)
				}
				if res.Status == "" {
					t.Fatal("status not decoded")
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("DecodeResult() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestResultRoundTripKeepsPayloadFreeFields(t *testing.T) {
	in := &DispatchResult{
		Status:   StatusDegraded,
		App:      "alpha",
		State:    "executing",
		Kind:     "boundary_violation",
		Message:  "application \"alpha\" changed 1 path(s) outside its root",
		Fallback: "cd /apps/alpha && ./bin/run <<'EOF'\ndo-thing\nEOF",
		ExitCode: intPtr(0),
	}
	var buf bytes.Buffer
	if err := EncodeResult(&buf, in); err != nil {
		t.Fatalf("EncodeResult() error = %v", err)
	}
	out, err := DecodeResult(&buf)
	if err != nil {
		t.Fatalf("DecodeResult() error = %v", err)
	}
	if out.Fallback != in.Fallback || out.Kind != in.Kind || *out.ExitCode != 0 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantCommand string
		wantTimeout time.Duration
		wantErr     string
	}{
		{name: "command only", input: `{"command":"/alpha go"}`, wantCommand: "/alpha go"},
		{name: "with timeout", input: `{"command":"/alpha go","timeout":"1m30s"}`, wantCommand: "/alpha go", wantTimeout: 90 * time.Second},
		{name: "missing command", input: `{"timeout":"1s"}`, wantErr: "command"},
		{name: "blank command", input: `{"command":"   "}`, wantErr: "command"},
		{name: "bad timeout", input: `{"command":"/a b","timeout":"soon"}`, wantErr: "invalid timeout"},
		{name: "negative timeout", input: `{"command":"/a b","timeout":"-1s"}`, wantErr: "negative"},
		{name: "unknown field", input: `{"command":"/a b","args":["x"]}`, wantErr: "unknown field"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, timeout, err := DecodeRequest(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("DecodeRequest() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeRequest() error = %v", err)
			}
			if req.Command != tt.wantCommand || timeout != tt.wantTimeout {
				t.Fatalf("DecodeRequest() = %q, %v", req.Command, timeout)
			}
		})
	}
}
