package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestPreInitLoggerUsesConfiguredHandler(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("device opened", "device", "/dev/video0")

	out := buf.String()
	if strings.Contains(out, `msg="INFO device opened`) {
		t.Fatalf("unexpected nested severity prefix in message: %s", out)
	}
	if !strings.Contains(out, "msg=\"device opened\"") {
		t.Fatalf("expected plain message, got: %s", out)
	}
	if !strings.Contains(out, "component=capture") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "device=/dev/video0") {
		t.Fatalf("expected device field, got: %s", out)
	}
}

func TestPreInitLoggerRespectsConfiguredLevel(t *testing.T) {
	logger := L("capture")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info log should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn log should be emitted: %s", out)
	}
}

func TestInitJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	Init("json", "info", &buf)

	L("hid").Info("backend ready", "backend", "otg")

	out := buf.String()
	if !strings.Contains(out, `"component":"hid"`) {
		t.Fatalf("expected json component field, got: %s", out)
	}
	if !strings.Contains(out, `"backend":"otg"`) {
		t.Fatalf("expected json backend field, got: %s", out)
	}
}
