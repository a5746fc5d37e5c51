package memory

import (
	"context"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/example/app-orchestrator/internal/logging"
)

// Config selects and tunes the memory mode.
type Config struct {
	Mode      string
	Path      string
	PrefixLen int
}

// Open picks the memory mode once. Vector mode needs an embedder, an index
// that opens and an embedding probe that succeeds; otherwise the keyword
// store is returned.
func Open(ctx context.Context, cfg Config, embed chromem.EmbeddingFunc, logger *zap.Logger) Store {
	log := logging.OrNop(logger).Named("memory")
	if cfg.Mode == ModeKeyword {
		log.Info("memory mode selected", zap.String("mode", ModeKeyword))
		return NewKeywordStore(cfg.PrefixLen)
	}
	if embed == nil {
		log.Warn("no embedder configured, using keyword memory")
		return NewKeywordStore(cfg.PrefixLen)
	}
	if _, err := embed(ctx, "memory probe"); err != nil {
		log.Warn("embedding probe failed, using keyword memory", zap.Error(err))
		return NewKeywordStore(cfg.PrefixLen)
	}
	vs, err := OpenVector(cfg.Path, embed, logger)
	if err != nil {
		log.Warn("vector memory unavailable, using keyword memory", zap.Error(err))
		return NewKeywordStore(cfg.PrefixLen)
	}
	log.Info("memory mode selected", zap.String("mode", ModeVector), zap.String("path", cfg.Path))
	return vs
}
