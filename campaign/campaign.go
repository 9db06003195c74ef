package campaign

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wa-bulk-sender/types"
)

const (
	// PhoneKey is the recipient column that holds the destination number.
	PhoneKey = "phone"

	errMissingPhone = "recipient has no phone number"
)

var (
	ErrNoRecipients  = errors.New("recipient list is empty")
	ErrEmptyTemplate = errors.New("message template is empty")
)

var placeholder = regexp.MustCompile(`\{\{(\w+)\}\}`)

// Sender delivers one message on behalf of a tenant. Failures are reported
// in the result, never as an error.
type Sender interface {
	Send(ctx context.Context, tenantID, phone, text string) types.SendResult
}

// Recipient is one row of a campaign: column name to value. It must carry
// a PhoneKey column.
type Recipient map[string]string

type Campaign struct {
	Recipients []Recipient
	Template   string
	// Delay is waited between two messages, not after the last one.
	Delay time.Duration
}

func (c Campaign) Validate() error {
	if len(c.Recipients) == 0 {
		return ErrNoRecipients
	}
	if strings.TrimSpace(c.Template) == "" {
		return ErrEmptyTemplate
	}
	return nil
}

type Summary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type Report struct {
	Results []types.SendResult `json:"results"`
	Summary Summary            `json:"summary"`
}

func (r *Report) add(res types.SendResult) {
	r.Results = append(r.Results, res)
	r.Summary.Total++
	if res.Success {
		r.Summary.Success++
	} else {
		r.Summary.Failed++
	}
}

// Render replaces {{key}} placeholders with the recipient's values. Unknown
// keys are left as they are.
func Render(template string, data map[string]string) string {
	return placeholder.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		if v, ok := data[key]; ok {
			return v
		}
		return match
	})
}

// Runner sends campaigns one recipient at a time.
type Runner struct {
	sender Sender
	log    zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewRunner(sender Sender, log zerolog.Logger) *Runner {
	return &Runner{sender: sender, log: log, sleep: sleepContext}
}

// Run sends the campaign and returns the per-recipient results. If ctx is
// cancelled between two recipients the partial report is returned together
// with the context error.
func (r *Runner) Run(ctx context.Context, tenantID string, c Campaign) (*Report, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	log := r.log.With().Str("tenant", tenantID).Int("recipients", len(c.Recipients)).Logger()
	log.Info().Dur("delay", c.Delay).Msg("Starting campaign")

	report := &Report{Results: make([]types.SendResult, 0, len(c.Recipients))}
	for i, rcpt := range c.Recipients {
		if err := ctx.Err(); err != nil {
			log.Warn().Int("sent", i).Msg("Campaign cancelled")
			return report, err
		}

		phone := strings.TrimSpace(rcpt[PhoneKey])
		if phone == "" {
			report.add(types.SendResult{Phone: rcpt[PhoneKey], Success: false, Error: errMissingPhone})
		} else {
			report.add(r.sender.Send(ctx, tenantID, phone, Render(c.Template, rcpt)))
		}

		if i < len(c.Recipients)-1 && c.Delay > 0 {
			if err := r.sleep(ctx, c.Delay); err != nil {
				log.Warn().Int("sent", i+1).Msg("Campaign cancelled")
				return report, err
			}
		}
	}

	log.Info().
		Int("success", report.Summary.Success).
		Int("failed", report.Summary.Failed).
		Msg("Campaign finished")
	return report, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
