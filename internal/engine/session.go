package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-insights/internal/churn"
	"github.com/miradorstack/mirador-insights/internal/models"
	"github.com/miradorstack/mirador-insights/internal/segment"
)

// Session is the explicit context of one uploaded dataset: its profile, the gate decision,
// the canonical records and whatever the engines fitted on them. Dataset, Profile, Decision
// and Records never change after Open; engines only read them.
type Session struct {
	ID        string
	CreatedAt time.Time
	Dataset   models.RawDataset
	Profile   models.Profile
	Decision  models.Decision
	Records   []models.CanonicalRecord

	mu       sync.Mutex
	model    *churn.Model
	clusters *segment.Result
	failed   map[models.Capability]string
}

func newSession(ds models.RawDataset, profile models.Profile, decision models.Decision, records []models.CanonicalRecord) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Dataset:   ds,
		Profile:   profile,
		Decision:  decision,
		Records:   records,
		failed:    make(map[models.Capability]string),
	}
}

// Model returns the churn model fitted for the session, if any.
func (s *Session) Model() *churn.Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// Clusters returns the last clustering run, if any.
func (s *Session) Clusters() *segment.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusters
}

// Unavailable lists capabilities the gate rejected plus those whose engine failed during this
// session, in capability order.
func (s *Session) Unavailable() []models.Unavailable {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := append([]models.Unavailable(nil), s.Decision.Unavailable...)
	for _, c := range models.AllCapabilities {
		if reason, ok := s.failed[c]; ok {
			out = append(out, models.Unavailable{Capability: c, Reason: reason})
		}
	}
	return out
}

// Runnable reports whether c was admitted and has not failed in this session.
func (s *Session) Runnable(c models.Capability) bool {
	if !s.Decision.IsAdmitted(c) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, failed := s.failed[c]
	return !failed
}

func (s *Session) setModel(m *churn.Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = m
	delete(s.failed, models.CapabilityChurn)
}

func (s *Session) setClusters(r *segment.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusters = r
	delete(s.failed, models.CapabilitySegmentation)
}

func (s *Session) markFailed(c models.Capability, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[c] = reason
}
