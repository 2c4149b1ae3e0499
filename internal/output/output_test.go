package output

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewOutput(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	if o == nil {
		t.Fatal("expected non-nil Output")
	}
	if o.w != &buf {
		t.Error("writer not set correctly")
	}
	if !o.useColor {
		t.Error("expected useColor to be true by default")
	}
}

func TestSetColor(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.SetColor(false)
	if o.useColor {
		t.Error("expected useColor to be false")
	}

	o.SetColor(true)
	if !o.useColor {
		t.Error("expected useColor to be true")
	}
}

func TestOutputLevels(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Info("hello %s", "world")
	o.Warn("careful")
	o.Error("boom")
	o.Success("done")
	o.Progress("working")

	out := buf.String()
	for _, want := range []string{
		"INFO hello world",
		"WARN careful",
		"ERROR boom",
		"OK done",
		".... working",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestDebugGated(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("expected no output without debug mode, got %q", buf.String())
	}

	o.SetDebug(true)
	o.Debug("visible")
	if !strings.Contains(buf.String(), "DEBUG visible") {
		t.Errorf("expected debug output, got %q", buf.String())
	}
}

func TestColorCodes(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)

	o.Error("red")
	if !strings.Contains(buf.String(), colorRed) {
		t.Error("expected red color code")
	}
	if !strings.Contains(buf.String(), colorReset) {
		t.Error("expected color reset code")
	}
}

func TestHostBanner(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.HostBanner("login", "web1", "admin@10.0.0.5:22")
	if !strings.Contains(buf.String(), "LOGIN web1") {
		t.Errorf("banner missing action and alias: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "admin@10.0.0.5:22") {
		t.Errorf("banner missing target: %q", buf.String())
	}
}

func TestStepStart(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.StepStart(2, 5, "setup.sh")
	if !strings.Contains(buf.String(), "[2/5] setup.sh") {
		t.Errorf("unexpected step line: %q", buf.String())
	}
}

func TestRemoteFrame(t *testing.T) {
	var buf bytes.Buffer
	o := New(&buf)
	o.SetColor(false)

	o.RemoteBegin("setup.sh")
	o.RemoteEnd()
	out := buf.String()
	if !strings.Contains(out, "--- remote output: setup.sh ---") {
		t.Errorf("missing begin frame: %q", out)
	}
	if !strings.Contains(out, "--- end remote output ---") {
		t.Errorf("missing end frame: %q", out)
	}
}
