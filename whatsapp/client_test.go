package whatsapp

import (
	"errors"
	"strings"
	"testing"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"

	"wa-bulk-sender/session"
)

func closedCause(t *testing.T, ev session.Event) string {
	t.Helper()
	sc, ok := ev.(session.StateChange)
	if !ok || sc.State != session.ConnClosed {
		t.Fatalf("expected closed state change, got %#v", ev)
	}
	return sc.Cause
}

func TestTranslateConnectionEvents(t *testing.T) {
	ev, persist, ok := translate(&events.PairSuccess{})
	if !ok || !persist {
		t.Fatalf("pair success should translate and persist, got ok=%v persist=%v", ok, persist)
	}
	if sc := ev.(session.StateChange); sc.State != session.ConnAuthenticated {
		t.Fatalf("expected authenticated, got %v", sc.State)
	}

	ev, persist, ok = translate(&events.Connected{})
	if !ok || persist {
		t.Fatalf("connected: ok=%v persist=%v", ok, persist)
	}
	if sc := ev.(session.StateChange); sc.State != session.ConnOpen {
		t.Fatalf("expected open, got %v", sc.State)
	}

	if _, _, ok := translate(&events.Message{}); ok {
		t.Fatal("messages are not session events")
	}
}

func TestTranslateDisconnectCauses(t *testing.T) {
	cases := []struct {
		name string
		evt  interface{}
		want string
	}{
		{"logged out", &events.LoggedOut{}, session.CauseLoggedOut},
		{"connect failure logged out", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, session.CauseLoggedOut},
		{"restart after login", &events.ManualLoginReconnect{}, session.CauseRestartRequired},
		{"stream error", &events.StreamError{Code: "503"}, "stream-error:503"},
		{"replaced", &events.StreamReplaced{}, CauseStreamReplaced},
		{"outdated", &events.ClientOutdated{}, CauseClientOutdated},
		{"lost", &events.Disconnected{}, session.CauseConnectionLost},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _, ok := translate(tc.evt)
			if !ok {
				t.Fatal("expected event to translate")
			}
			if got := closedCause(t, ev); got != tc.want {
				t.Fatalf("cause = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDefaultCausesClassify(t *testing.T) {
	cfg := session.DefaultConfig()
	c := session.NewClassifier(cfg.RestartCauses, cfg.LoggedOutCauses)

	ev, _, _ := translate(&events.ManualLoginReconnect{})
	if kind := c.Classify(closedCause(t, ev)); kind != session.RestartRequired {
		t.Fatalf("reconnect after login should restart, got %v", kind)
	}
	ev, _, _ = translate(&events.LoggedOut{})
	if kind := c.Classify(closedCause(t, ev)); kind != session.LoggedOutRemotely {
		t.Fatalf("logged out should be terminal, got %v", kind)
	}
	ev, _, _ = translate(&events.StreamReplaced{})
	if kind := c.Classify(closedCause(t, ev)); kind != session.TransientDisconnect {
		t.Fatalf("stream replaced should be transient by default, got %v", kind)
	}
}

func TestTranslatePairing(t *testing.T) {
	ev, ok := translatePairing(whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@abc"})
	if !ok {
		t.Fatal("expected code to translate")
	}
	if pc, _ := ev.(session.PairingChallenge); pc.Payload != "2@abc" {
		t.Fatalf("unexpected payload %#v", ev)
	}

	if _, ok := translatePairing(whatsmeow.QRChannelSuccess); ok {
		t.Fatal("success is reported by PairSuccess")
	}

	ev, _ = translatePairing(whatsmeow.QRChannelTimeout)
	if got := closedCause(t, ev); got != session.CausePairingTimeout {
		t.Fatalf("cause = %q", got)
	}

	ev, _ = translatePairing(whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventError, Error: errors.New("boom")})
	if got := closedCause(t, ev); got != session.CauseConnectFailed {
		t.Fatalf("cause = %q", got)
	}
}

func TestDeviceDSNPointsIntoTenantDir(t *testing.T) {
	dsn := deviceDSN("/var/lib/wa/u1")
	if !strings.HasPrefix(dsn, "file:/var/lib/wa/u1/device.db?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	if !strings.Contains(dsn, "foreign_keys(1)") {
		t.Fatalf("sqlstore needs foreign keys enabled: %q", dsn)
	}
}
