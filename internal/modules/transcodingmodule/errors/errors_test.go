package errors

import (
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
)

func TestTranscodingError(t *testing.T) {
	err := New(ErrorTypeEngine, "run_engine", errors.New("ffmpeg exited"))
	if err.Type != ErrorTypeEngine {
		t.Errorf("expected type %s, got %s", ErrorTypeEngine, err.Type)
	}
	if err.Op != "run_engine" {
		t.Errorf("expected op 'run_engine', got %s", err.Op)
	}

	err = err.WithJob("job-123").WithDetail("source", "a.mp4")
	if err.JobID != "job-123" {
		t.Errorf("expected job ID 'job-123', got %s", err.JobID)
	}
	if err.Details["source"] != "a.mp4" {
		t.Errorf("expected source detail 'a.mp4', got %v", err.Details["source"])
	}

	expected := "engine error in run_engine for job job-123: ffmpeg exited"
	if err.Error() != expected {
		t.Errorf("expected error string '%s', got '%s'", expected, err.Error())
	}
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		errType  ErrorType
	}{
		{"configuration", ConfigurationError("new_fraction", "factor %v out of range", 2.0), ErrInvalidConfiguration, ErrorTypeConfiguration},
		{"request", RequestError("submit", "sources", "at least one source is required"), ErrInvalidRequest, ErrorTypeRequest},
		{"state", StateError("submit", "job-1"), ErrJobInProgress, ErrorTypeState},
		{"source", SourceError("probe", "missing.mp4", errors.New("no such file")), ErrSourceUnreadable, ErrorTypeSource},
		{"engine", EngineError("run_engine", errors.New("exit status 1")), ErrEngineFailed, ErrorTypeEngine},
		{"sink", SinkError("close_sink", "/tmp/out.mp4", errors.New("disk full")), ErrSinkFailed, ErrorTypeSink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.sentinel) {
				t.Errorf("expected %v to match %v", tt.err, tt.sentinel)
			}
			if GetType(tt.err) != tt.errType {
				t.Errorf("expected type %s, got %s", tt.errType, GetType(tt.err))
			}
		})
	}
}

func TestEngineErrorKeepsCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := EngineError("run_engine", cause)
	if !errors.Is(err, cause) {
		t.Error("expected engine error to wrap its cause")
	}
}

func TestIsSynchronous(t *testing.T) {
	if !RequestError("submit", "sink", "required").IsSynchronous() {
		t.Error("request errors are reported synchronously")
	}
	if !StateError("submit", "job-1").IsSynchronous() {
		t.Error("state errors are reported synchronously")
	}
	if SinkError("close_sink", "out.mp4", errors.New("boom")).IsSynchronous() {
		t.Error("sink errors are delivered through the listener")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, ErrorTypeSink, "test_op") != nil {
		t.Error("expected nil when wrapping nil error")
	}

	err := errors.New("test error")
	wrapped := Wrap(err, ErrorTypeSink, "write")
	tErr, ok := wrapped.(*TranscodingError)
	if !ok {
		t.Fatal("expected TranscodingError type")
	}
	if tErr.Type != ErrorTypeSink {
		t.Errorf("expected type %s, got %s", ErrorTypeSink, tErr.Type)
	}

	if rewrapped := Wrap(wrapped, ErrorTypeInternal, "different_op"); rewrapped != wrapped {
		t.Error("expected wrapped error to be preserved")
	}

	if GetType(errors.New("plain")) != ErrorTypeInternal {
		t.Error("plain errors classify as internal")
	}
	if GetJobID(StateError("submit", "x").WithJob("job-9")) != "job-9" {
		t.Error("expected job ID to be extracted")
	}
}

func TestReporterRetainsMostRecent(t *testing.T) {
	r := NewReporter(hclog.NewNullLogger(), 2)

	r.ReportError(nil)
	r.ReportError(SinkError("abort_sink", "a", errors.New("one")).WithJob("job-1"))
	r.ReportError(errors.New("two"))
	panicErr := r.ReportPanic("three", []byte("stack"))

	if panicErr == nil {
		t.Fatal("expected panic to be converted to an error")
	}

	reports := r.Errors()
	if len(reports) != 2 {
		t.Fatalf("expected 2 retained reports, got %d", len(reports))
	}
	if reports[0].Operation != "unknown" {
		t.Errorf("expected oldest retained report to be the plain error, got %s", reports[0].Operation)
	}
	if !reports[1].IsPanic {
		t.Error("expected newest report to be the panic")
	}
}
