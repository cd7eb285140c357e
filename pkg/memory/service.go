package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Config configures the memory subsystem.
type Config struct {
	Backend       string // sqlite | postgres | redis
	SQLitePath    string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Retriever        string // semantic | recency
	Index            string // flat | chromem
	EmbeddingModel   string
	EmbeddingAPIKey  string
	EmbeddingAPIBase string
	EmbeddingCacheMB int
	RetrievalK       int
	RecentWindow     int

	MaxUtterancesPerIdentity int
	RetentionSchedule        string
}

// Service owns the store, the configured retriever and the recency fallback.
type Service struct {
	cfg       Config
	store     Store
	retriever Retriever
	recency   *RecencyRetriever
	sweeper   *RetentionSweeper
	embedder  Embedder

	closeOnce sync.Once
	closeErr  error
}

func NewService(ctx context.Context, cfg Config) (*Service, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc, err := NewServiceWithStore(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

// OpenStore opens the backend named by cfg.Backend.
func OpenStore(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("memory sqlite path is required")
		}
		return NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return NewPostgresStore(ctx, PostgresOptions{ConnString: cfg.PostgresDSN})
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown memory backend %q", cfg.Backend)
	}
}

// NewServiceWithStore wires retrieval around an already open store.
func NewServiceWithStore(cfg Config, store Store) (*Service, error) {
	embedder, err := NewEmbedder(EmbedderOptions{
		Model:   cfg.EmbeddingModel,
		APIKey:  cfg.EmbeddingAPIKey,
		APIBase: cfg.EmbeddingAPIBase,
		CacheMB: cfg.EmbeddingCacheMB,
	})
	if err != nil {
		return nil, err
	}
	index, err := NewVectorIndex(cfg.Index)
	if err != nil {
		return nil, err
	}
	retriever, err := NewRetriever(cfg.Retriever, store, embedder, index, cfg.RetrievalK, cfg.RecentWindow)
	if err != nil {
		return nil, err
	}
	sweeper, err := NewRetentionSweeper(store, cfg.RetentionSchedule, cfg.MaxUtterancesPerIdentity)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:       cfg,
		store:     store,
		retriever: retriever,
		recency:   NewRecencyRetriever(store, cfg.RecentWindow),
		sweeper:   sweeper,
		embedder:  embedder,
	}, nil
}

func (s *Service) Store() Store { return s.store }

func (s *Service) Retriever() Retriever { return s.retriever }

// Fallback is the recency-only retriever used when semantic retrieval fails.
func (s *Service) Fallback() Retriever { return s.recency }

func (s *Service) Sweeper() *RetentionSweeper { return s.sweeper }

func (s *Service) EmbeddingModel() string { return s.embedder.ModelID() }

// StartRetention begins the scheduled sweep.
func (s *Service) StartRetention() { s.sweeper.Start() }

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.sweeper.Stop()
		if c, ok := s.embedder.(*CachedEmbedder); ok {
			c.Close()
		}
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}
