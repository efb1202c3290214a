package redirect

import (
	"log/slog"
	"sync"
	"time"

	"github.com/magabrotheeeer/fintrack-billing/internal/metrics"
	"github.com/magabrotheeeer/fintrack-billing/internal/models"
)

// Option настраивает Registry.
type Option func(*Registry)

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry хранит сессии по ссылке транзакции. Сессия без событий дольше ttl удаляется.
type Registry struct {
	verifier   Verifier
	classifier *Classifier
	ttl        time.Duration
	log        *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry создает Registry.
func NewRegistry(verifier Verifier, classifier *Classifier, ttl time.Duration, log *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		verifier:   verifier,
		classifier: classifier,
		ttl:        ttl,
		log:        log.With(slog.String("component", "redirect")),
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Open открывает сессию для транзакции или возвращает уже открытую.
// Используется и при инициации, и для восстановления после перезапуска.
func (r *Registry) Open(reference, userUID string, plan models.Plan) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	if s, ok := r.sessions[reference]; ok {
		return s
	}
	s := newSession(reference, userUID, plan, r.verifier, r.classifier, r.log, r.now)
	r.sessions[reference] = s
	metrics.ActiveRedirectSessions.Set(float64(len(r.sessions)))
	return s
}

// Get возвращает открытую сессию.
func (r *Registry) Get(reference string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	s, ok := r.sessions[reference]
	return s, ok
}

// Len количество открытых сессий.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) pruneLocked() {
	if r.ttl <= 0 {
		return
	}
	now := r.now()
	for ref, s := range r.sessions {
		if s.idleSince(now) > r.ttl {
			delete(r.sessions, ref)
		}
	}
	metrics.ActiveRedirectSessions.Set(float64(len(r.sessions)))
}
