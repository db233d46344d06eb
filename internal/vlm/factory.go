// internal/vlm/factory.go
package vlm

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/taskdroid/api/schemas"
	"github.com/xkilldash9x/taskdroid/internal/config"
)

// NewClient is a factory function that creates a VLMClient based on the
// configured provider.
func NewClient(cfg config.VLMConfig, logger *zap.Logger) (schemas.VLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(cfg.Gemini, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.OpenAI, logger, "vlm.openai")
	case config.ProviderQwen:
		return NewOpenAIClient(cfg.Qwen, logger, "vlm.qwen")
	default:
		return nil, fmt.Errorf("unknown or unsupported VLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderGemini, config.ProviderOpenAI, config.ProviderQwen)
	}
}
