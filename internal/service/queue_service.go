package service

import (
	"context"
	"encoding/json"
	"sync"

	"fieldsync/internal/domain"
	"fieldsync/internal/models"

	"github.com/rs/zerolog"
)

// QueueService is the entry point used by the control API and the CLI.
type QueueService struct {
	engine       domain.SyncEngine
	connectivity domain.ConnectivitySource
	logger       *zerolog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

func NewQueueService(engine domain.SyncEngine, connectivity domain.ConnectivitySource, logger *zerolog.Logger) *QueueService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &QueueService{
		engine:       engine,
		connectivity: connectivity,
		logger:       logger,
	}
}

// Start subscribes to connectivity transitions. Calling it twice is a no-op.
func (s *QueueService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}

	s.unsubscribe = s.connectivity.OnTransition(func(online bool) {
		if !online {
			s.logger.Info().Int("pending", s.engine.Depth()).Msg("Went offline, buffering operations")
			return
		}
		depth := s.engine.Depth()
		if depth == 0 {
			return
		}
		s.logger.Info().Int("pending", depth).Msg("Came back online with pending operations")
		s.engine.TriggerSync(ctx)
	})
}

// Close detaches from connectivity and waits for background passes.
func (s *QueueService) Close() {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()

	s.engine.Wait()
}

func (s *QueueService) Enqueue(ctx context.Context, kind models.OperationKind, resource string, payload json.RawMessage) (models.PendingOperation, error) {
	return s.engine.Enqueue(ctx, kind, resource, payload)
}

func (s *QueueService) ManualSync(ctx context.Context) error {
	return s.engine.ManualSync(ctx)
}

func (s *QueueService) CurrentQueueDepth() int {
	return s.engine.Depth()
}

func (s *QueueService) IsSyncing() bool {
	return s.engine.IsSyncing()
}

func (s *QueueService) IsOnline() bool {
	return s.connectivity.IsOnline()
}

func (s *QueueService) Pending() []models.PendingOperation {
	return s.engine.Pending()
}

// ClearAll drops every pending operation without sending it.
func (s *QueueService) ClearAll(ctx context.Context) error {
	s.logger.Warn().Int("pending", s.engine.Depth()).Msg("Clearing pending queue on operator request")
	return s.engine.ClearAll(ctx)
}
