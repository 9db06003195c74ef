package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"wa-bulk-sender/types"
	"wa-bulk-sender/utils"
)

// DefaultRecipientServer is the user server of WhatsApp personal accounts.
const DefaultRecipientServer = "s.whatsapp.net"

var phoneStripper = strings.NewReplacer(" ", "", "\t", "", "\n", "", "\r", "", "-", "", "(", "", ")", "")

// NormalizePhone strips whitespace, hyphens and parentheses and a leading
// '+'. It does not validate the result.
func NormalizePhone(phone string) string {
	return strings.TrimPrefix(phoneStripper.Replace(phone), "+")
}

// Dispatcher sends one message per call against a ready session.
type Dispatcher struct {
	timeout time.Duration
	server  string
	metrics *utils.Metrics
	log     zerolog.Logger
}

func NewDispatcher(timeout time.Duration, metrics *utils.Metrics, log zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Dispatcher{timeout: timeout, server: DefaultRecipientServer, metrics: metrics, log: log}
}

func (d *Dispatcher) recipient(phone string) string {
	return NormalizePhone(phone) + "@" + d.server
}

type sendOutcome struct {
	id  string
	err error
}

// Send never returns an error: every failure is reported in the result so
// a batch can carry on past it. A nil session is treated as not ready.
func (d *Dispatcher) Send(ctx context.Context, s *Session, phone, text string) types.SendResult {
	if s == nil {
		d.metrics.RecordSend(utils.SendResultNotReady, 0)
		return types.SendResult{Phone: phone, Success: false, Error: ErrNotReady.Error()}
	}
	s.touch()
	defer s.touch()

	t, ok := s.readyTransport()
	if !ok {
		d.metrics.RecordSend(utils.SendResultNotReady, 0)
		return types.SendResult{Phone: phone, Success: false, Error: ErrNotReady.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	to := d.recipient(phone)
	start := time.Now()
	done := make(chan sendOutcome, 1)
	go func() {
		id, err := t.Send(ctx, to, text)
		done <- sendOutcome{id: id, err: err}
	}()

	var out sendOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = ctx.Err()
	}
	took := time.Since(start)

	if out.err == nil {
		d.metrics.RecordSend(utils.SendResultSuccess, took)
		return types.SendResult{Phone: phone, Success: true, MessageID: out.id}
	}

	log := d.log.With().Str("tenant", s.tenantID).Str("phone", phone).Dur("took", took).Logger()
	switch {
	case errors.Is(out.err, context.DeadlineExceeded):
		d.metrics.RecordSend(utils.SendResultTimeout, took)
		log.Warn().Msg("Send timed out")
		return types.SendResult{Phone: phone, Success: false, Error: fmt.Sprintf("%v after %s", ErrSendTimeout, took.Round(time.Millisecond))}
	case isNotRegistered(out.err):
		d.metrics.RecordSend(utils.SendResultNotRegistered, took)
		log.Info().Err(out.err).Msg("Recipient not registered")
		return types.SendResult{Phone: phone, Success: false, Error: ErrRecipientNotRegistered.Error()}
	default:
		d.metrics.RecordSend(utils.SendResultFailed, took)
		log.Error().Err(out.err).Msg("Send failed")
		return types.SendResult{Phone: phone, Success: false, Error: out.err.Error()}
	}
}

func isNotRegistered(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid") || strings.Contains(msg, "not registered")
}
