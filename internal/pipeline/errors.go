package pipeline

import (
	"strings"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// statusForError maps a failed step to its terminal generation status by the
// phase keyword the step wrapped into the error.
func statusForError(err error) model.GenerationStatus {
	if err == nil {
		return model.GenerationCompleted
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "preprocessing"):
		return model.GenerationErrorPreprocessing
	case strings.Contains(msg, "agent loop"):
		return model.GenerationErrorAgentLoop
	case strings.Contains(msg, "summarise"):
		return model.GenerationErrorSummarization
	case strings.Contains(msg, "translate"):
		return model.GenerationErrorTranslation
	default:
		return model.GenerationErrorOther
	}
}
