package backend

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/meridian-ai/meridian/internal/config"
)

// FromConfig builds the configured backend. The OpenAI key is read from
// the OPENAI_API_KEY env var.
func FromConfig(cfg *config.Config) (Backend, error) {
	switch cfg.Backend {
	case "openai":
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		log.Debug().Str("model", cfg.OpenAIModel).Msg("backend_openai_selected")
		return NewOpenAIBackend(apiKey, cfg.OpenAIModel), nil
	case "ollama":
		log.Debug().Str("model", cfg.OllamaModel).Str("base_url", cfg.OllamaBaseURL).Msg("backend_ollama_selected")
		return NewOllamaBackend(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
