package campaign

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"wa-bulk-sender/types"
)

type recordingSender struct {
	sent []string
	fail map[string]string
}

func (s *recordingSender) Send(ctx context.Context, tenantID, phone, text string) types.SendResult {
	s.sent = append(s.sent, phone+":"+text)
	if msg, ok := s.fail[phone]; ok {
		return types.SendResult{Phone: phone, Success: false, Error: msg}
	}
	return types.SendResult{Phone: phone, Success: true, MessageID: "id-" + phone}
}

func newTestRunner(sender Sender) (*Runner, *[]time.Duration) {
	r := NewRunner(sender, zerolog.Nop())
	var waits []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return r, &waits
}

func TestRender(t *testing.T) {
	data := map[string]string{"name": "Budi", "code": "X1"}
	cases := map[string]string{
		"Hi {{name}}, your code is {{code}}": "Hi Budi, your code is X1",
		"Hi {{name}} {{missing}}":            "Hi Budi {{missing}}",
		"{{ name }} stays":                   "{{ name }} stays",
		"no placeholders":                    "no placeholders",
	}
	for tmpl, want := range cases {
		if got := Render(tmpl, data); got != want {
			t.Errorf("Render(%q) = %q, want %q", tmpl, got, want)
		}
	}
}

func TestRunSendsEveryRecipientInOrder(t *testing.T) {
	sender := &recordingSender{fail: map[string]string{"222": "this number is not registered on WhatsApp"}}
	r, waits := newTestRunner(sender)

	report, err := r.Run(context.Background(), "u1", Campaign{
		Recipients: []Recipient{
			{"phone": "111", "name": "A"},
			{"phone": "222", "name": "B"},
			{"phone": "333", "name": "C"},
		},
		Template: "Hello {{name}}",
		Delay:    3 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"111:Hello A", "222:Hello B", "333:Hello C"}
	if len(sender.sent) != len(want) {
		t.Fatalf("sent %v, want %v", sender.sent, want)
	}
	for i := range want {
		if sender.sent[i] != want[i] {
			t.Fatalf("sent %v, want %v", sender.sent, want)
		}
	}
	if report.Summary != (Summary{Total: 3, Success: 2, Failed: 1}) {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if report.Results[1].Success || report.Results[1].Error == "" {
		t.Fatalf("failure not reported: %+v", report.Results[1])
	}
	if len(*waits) != 2 {
		t.Fatalf("expected a delay between messages only, got %v", *waits)
	}
}

func TestRunWithoutPhone(t *testing.T) {
	sender := &recordingSender{}
	r, _ := newTestRunner(sender)

	report, err := r.Run(context.Background(), "u1", Campaign{
		Recipients: []Recipient{{"name": "nobody"}, {"phone": "111"}},
		Template:   "hi",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(sender.sent) != 1 || report.Summary.Failed != 1 {
		t.Fatalf("recipient without phone must fail without sending, sent=%v summary=%+v", sender.sent, report.Summary)
	}
}

func TestRunValidates(t *testing.T) {
	r, _ := newTestRunner(&recordingSender{})
	if _, err := r.Run(context.Background(), "u1", Campaign{Template: "x"}); !errors.Is(err, ErrNoRecipients) {
		t.Fatalf("expected ErrNoRecipients, got %v", err)
	}
	_, err := r.Run(context.Background(), "u1", Campaign{Recipients: []Recipient{{"phone": "1"}}, Template: "  "})
	if !errors.Is(err, ErrEmptyTemplate) {
		t.Fatalf("expected ErrEmptyTemplate, got %v", err)
	}
}

func TestRunStopsWhenCancelled(t *testing.T) {
	sender := &recordingSender{}
	r := NewRunner(sender, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	report, err := r.Run(ctx, "u1", Campaign{
		Recipients: []Recipient{{"phone": "1"}, {"phone": "2"}, {"phone": "3"}},
		Template:   "hi",
		Delay:      time.Second,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sender.sent) != 1 || report.Summary.Total != 1 {
		t.Fatalf("expected one send before cancellation, sent=%v", sender.sent)
	}
}

func TestSleepContext(t *testing.T) {
	if err := sleepContext(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("sleepContext: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
