package utils

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestQRDataURL(t *testing.T) {
	url, err := QRDataURL("2@abc,def,ghi", 0)
	if err != nil {
		t.Fatalf("QRDataURL: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("unexpected prefix %q", url[:32])
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("payload is not base64: %v", err)
	}
	if len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Fatal("payload is not a PNG")
	}
}

func TestQRTerminal(t *testing.T) {
	out, err := QRTerminal("2@abc")
	if err != nil {
		t.Fatalf("QRTerminal: %v", err)
	}
	if strings.Count(out, "\n") < 10 {
		t.Fatalf("expected a multi-line code, got %q", out)
	}
}

func TestCreateTextMessage(t *testing.T) {
	msg := CreateTextMessage("hello")
	if msg.GetConversation() != "hello" {
		t.Fatalf("unexpected conversation %q", msg.GetConversation())
	}
}

func TestWithRetry(t *testing.T) {
	cfg := &RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: time.Second}

	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("busy")
		}
		return nil
	}, cfg)
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call, got %v after %d calls", err, calls)
	}

	calls = 0
	err = WithRetry(context.Background(), func() error {
		calls++
		return backoff.Permanent(errors.New("corrupt"))
	}, cfg)
	if err == nil || calls != 1 {
		t.Fatalf("permanent errors must not be retried, got %v after %d calls", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := WithRetry(ctx, func() error { return errors.New("busy") }, cfg); err == nil {
		t.Fatal("cancelled context should stop retrying")
	}
}

func TestSetupLoggingWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "wa.log")
	log, closer, err := SetupLogging(LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	log.Debug().Str("tenant", "u1").Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"tenant":"u1"`) {
		t.Fatalf("unexpected log content %s", data)
	}
}

func TestSetupLoggingBadLevelFallsBackToInfo(t *testing.T) {
	log, closer, err := SetupLogging(LogConfig{Level: "loud"})
	if err != nil {
		t.Fatalf("SetupLogging: %v", err)
	}
	defer closer.Close()
	if log.GetLevel().String() != "info" {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.SetActiveSessions(1)
	m.RecordTransition("ready")
	m.RecordDisconnect("transient", "retry")
	m.RecordPairingChallenge()
	m.RecordCredentialWrite(nil)
	m.RecordSend(SendResultSuccess, time.Second)
	m.RecordReaped(2)
	m.RecordTeardownError()
}

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetActiveSessions(3)
	m.RecordSend(SendResultTimeout, time.Second)
	m.RecordSend(SendResultNotReady, 0)
	m.RecordCredentialWrite(errors.New("disk"))
	m.RecordReaped(2)

	if got := testutil.ToFloat64(m.activeSessions); got != 3 {
		t.Fatalf("active sessions = %v", got)
	}
	if got := testutil.ToFloat64(m.sends.WithLabelValues(SendResultTimeout)); got != 1 {
		t.Fatalf("timeouts = %v", got)
	}
	if got := testutil.ToFloat64(m.credentialWrites.WithLabelValues("error")); got != 1 {
		t.Fatalf("credential errors = %v", got)
	}
	if got := testutil.ToFloat64(m.reaped); got != 2 {
		t.Fatalf("reaped = %v", got)
	}
}
