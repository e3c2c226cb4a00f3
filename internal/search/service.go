package search

import (
	"context"
	"sync"

	"roamlist/api/internal/logger"
	"roamlist/api/internal/store"
)

// Service feeds chat messages to the backend without blocking appends. A nil backend
// makes every search report ErrUnavailable.
type Service struct {
	backend Backend
	log     *logger.Logger
	pending sync.WaitGroup
}

func NewService(backend Backend, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{backend: backend, log: log.With("component", "search")}
}

func Record(msg store.Message) MessageRecord {
	return MessageRecord{
		ID:        msg.ID,
		GroupID:   msg.GroupID,
		AuthorID:  msg.AuthorID,
		Text:      msg.Body.Text,
		CreatedAt: msg.CreatedAt.UnixMicro(),
	}
}

// IndexMessage queues msg for indexing and returns at once. Failures are only logged.
func (s *Service) IndexMessage(_ context.Context, msg store.Message) error {
	if s.backend == nil || !s.backend.Healthy() || msg.Body.Text == "" {
		return nil
	}
	record := Record(msg)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := s.backend.IndexMessages([]MessageRecord{record}); err != nil {
			s.log.Warn("index message", "messageId", record.ID, "error", err)
		}
	}()
	return nil
}

func (s *Service) SearchMessages(_ context.Context, groupID, query string, limit int) ([]string, error) {
	if s.backend == nil || !s.backend.Healthy() {
		return nil, ErrUnavailable
	}
	return s.backend.SearchMessages(groupID, query, limit)
}

// Wait blocks until queued index writes finish.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) Healthy() bool {
	return s.backend != nil && s.backend.Healthy()
}
