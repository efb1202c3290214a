package redirect

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/lib/sl"
	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
	"github.com/magabrotheeeer/fintrack-billing/internal/services/payment"
)

// State состояние платежной сессии.
type State string

const (
	StateLoading    State = "loading"
	StateNavigating State = "navigating"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
)

// Outcome результат обработки события навигации.
type Outcome string

const (
	// OutcomeNavigating переход внутри страницы оплаты, проверка не нужна.
	OutcomeNavigating Outcome = "navigating"
	// OutcomeVerified событие запустило проверку, результат в ответе.
	OutcomeVerified Outcome = "verified"
	// OutcomeIgnored проверка уже выполняется.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeCompleted сессия завершена ранее, возвращен сохраненный результат.
	OutcomeCompleted Outcome = "completed"
)

// Verifier проверяет платеж у шлюза.
type Verifier interface {
	Verify(ctx context.Context, reference string, expectedPlan models.Plan) (*payment.VerifyResult, error)
}

// Session сценарий оплаты одной транзакции.
type Session struct {
	reference  string
	userUID    string
	plan       models.Plan
	verifier   Verifier
	classifier *Classifier
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	state    State
	result   *payment.VerifyResult
	lastErr  error
	inflight chan struct{}
	touched  time.Time
}

func newSession(reference, userUID string, plan models.Plan, verifier Verifier, classifier *Classifier, log *slog.Logger, now func() time.Time) *Session {
	return &Session{
		reference:  reference,
		userUID:    userUID,
		plan:       plan,
		verifier:   verifier,
		classifier: classifier,
		log:        log.With(slog.String("reference", reference)),
		now:        now,
		state:      StateLoading,
		touched:    now(),
	}
}

// Reference ссылка транзакции сессии.
func (s *Session) Reference() string { return s.reference }

// UserUID владелец сессии.
func (s *Session) UserUID() string { return s.userUID }

// State текущее состояние.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Navigate обрабатывает переход страницы оплаты на адрес rawURL.
func (s *Session) Navigate(ctx context.Context, rawURL string) (Outcome, *payment.VerifyResult, error) {
	const op = "redirect.Session.Navigate"

	c := s.classifier.Classify(rawURL)

	s.mu.Lock()
	s.touched = s.now()
	switch {
	case s.state == StateCompleted:
		res := s.result
		s.mu.Unlock()
		metrics.RedirectEvents.WithLabelValues(string(OutcomeCompleted)).Inc()
		return OutcomeCompleted, res, nil
	case !c.Terminal:
		if s.state == StateLoading {
			s.state = StateNavigating
		}
		s.mu.Unlock()
		metrics.RedirectEvents.WithLabelValues(string(OutcomeNavigating)).Inc()
		return OutcomeNavigating, nil, nil
	case s.state == StateVerifying:
		s.mu.Unlock()
		metrics.RedirectEvents.WithLabelValues(string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil, nil
	}

	// Сессия открыта под одну ссылку и принадлежит ее владельцу, поэтому ссылка
	// из адреса только сверяется с ней: проверяется всегда ссылка сессии.
	if c.Reference != "" && c.Reference != s.reference {
		s.log.Warn("redirect carries another reference, verifying session reference",
			slog.String("url_reference", c.Reference))
	}
	done := s.beginLocked()
	s.mu.Unlock()

	res, err := s.run(ctx, done)
	metrics.RedirectEvents.WithLabelValues(string(OutcomeVerified)).Inc()
	if err != nil {
		return OutcomeVerified, nil, fmt.Errorf("%s: %w", op, err)
	}
	return OutcomeVerified, res, nil
}

// Confirm ручное подтверждение оплаты пользователем. Если проверка уже
// выполняется, ждет ее результат вместо запуска новой.
func (s *Session) Confirm(ctx context.Context) (*payment.VerifyResult, error) {
	const op = "redirect.Session.Confirm"

	s.mu.Lock()
	s.touched = s.now()
	switch s.state {
	case StateCompleted:
		res := s.result
		s.mu.Unlock()
		return res, nil
	case StateVerifying:
		wait := s.inflight
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", op, ctx.Err())
		}
		s.mu.Lock()
		res, err := s.result, s.lastErr
		s.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return res, nil
	}
	done := s.beginLocked()
	s.mu.Unlock()

	res, err := s.run(ctx, done)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

func (s *Session) beginLocked() chan struct{} {
	done := make(chan struct{})
	s.state = StateVerifying
	s.inflight = done
	return done
}

// run выполняет проверку и переводит сессию в итоговое состояние.
// Неуспешная проверка возвращает сессию в Navigating для повторной попытки.
func (s *Session) run(ctx context.Context, done chan struct{}) (*payment.VerifyResult, error) {
	res, err := s.verifier.Verify(ctx, s.reference, s.plan)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer close(done)

	s.result, s.lastErr = res, err
	switch {
	case err != nil:
		s.state = StateNavigating
		s.log.Warn("payment verification failed", sl.Err(err))
	case res.Status == models.TransactionPending:
		s.state = StateNavigating
	default:
		s.state = StateCompleted
	}
	return res, err
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateVerifying {
		return 0
	}
	return now.Sub(s.touched)
}
