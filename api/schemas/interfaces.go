package schemas

import (
	"context"
)

// GenerationOptions tunes a single VLM call.
type GenerationOptions struct {
	Temperature     float32
	MaxTokens       int
	ForceJSONFormat bool
}

// GenerationRequest is one prompt to the vision-language model. Images are
// local file paths attached inline to the request.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	Images       []string
	Options      GenerationOptions
}

// VLMClient is the opaque request/response boundary to the decision-making
// collaborator. Implementations own transport, auth, and retry of transient
// provider errors; callers own parsing of the returned text.
type VLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// DeviceController abstracts the device-input and capture collaborator. All
// blocking operations take a context and honor its deadline.
type DeviceController interface {
	Tap(ctx context.Context, x, y int) error
	LongPress(ctx context.Context, x, y, durationMS int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error
	TypeText(ctx context.Context, text string) error
	Back(ctx context.Context) error

	// CaptureScreen takes a screenshot and a UI-hierarchy dump, parses the
	// hierarchy into normalized elements, and returns the combined state.
	// The prefix names the staged artifact files.
	CaptureScreen(ctx context.Context, prefix string) (ScreenState, error)

	// ScreenSize returns the device resolution probed at startup.
	ScreenSize() (width, height int)
}

// KnowledgeStore is the durable (app, screen, element) -> behavior store.
// Merge is append-only: implementations must deduplicate observation text and
// always increment the visit counter, never discard prior documentation.
// Safe for concurrent readers; writers are serialized by the implementation.
type KnowledgeStore interface {
	Lookup(ctx context.Context, appID string, screen ScreenSignature) ([]KnowledgeEntry, error)
	Merge(ctx context.Context, entry KnowledgeEntry) error
	// Flush persists any buffered state. Called on session termination, fatal
	// or not, so accumulated observations survive a failed run.
	Flush(ctx context.Context) error
}
