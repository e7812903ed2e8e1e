package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/guideforge-backend/internal/clients/converter"
	"github.com/yungbote/guideforge-backend/internal/data/repos"
	types "github.com/yungbote/guideforge-backend/internal/domain"
	"github.com/yungbote/guideforge-backend/internal/pkg/dbctx"
	pkgerrors "github.com/yungbote/guideforge-backend/internal/pkg/errors"
	"github.com/yungbote/guideforge-backend/internal/pkg/logger"
)

// ConvertFileResult is the structured outcome of one file conversion. A
// terminal business failure is reported here with a nil error; only
// retryable failures leave Run as a raised error.
type ConvertFileResult struct {
	FileID    uuid.UUID `json:"file_id"`
	Status    string    `json:"status"`
	Converted bool      `json:"converted"`
	Error     string    `json:"error,omitempty"`
}

type ConvertFileDeps struct {
	Log         *logger.Logger
	Files       repos.SourceFileRepo
	Converter   converter.Client
	LeaseExpiry time.Duration
}

type ConvertFileStep struct {
	deps ConvertFileDeps
}

func NewConvertFileStep(deps ConvertFileDeps) *ConvertFileStep {
	return &ConvertFileStep{deps: deps}
}

// Run executes the file conversion state machine once:
// guard -> lease -> convert -> finalize. hostAttempt is the hosting
// runtime's 1-based attempt number and lastHostAttempt tells the step to
// absorb a transient failure into a terminal write instead of rethrowing,
// so the operation never leaves an item mid-state on retry exhaustion.
func (s *ConvertFileStep) Run(ctx context.Context, fileID uuid.UUID, hostAttempt int32, lastHostAttempt bool) (ConvertFileResult, error) {
	dbc := dbctx.Context{Ctx: ctx}

	f, err := s.deps.Files.GetByID(dbc, fileID)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrNotFound) {
			return ConvertFileResult{}, fmt.Errorf("file %s: %w", fileID, err)
		}
		return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "load", Err: err}
	}

	// Idempotency guard: terminal states return without a single write.
	if res, done := fileOutcome(f); done {
		return res, nil
	}

	token := uuid.New()
	cutoff := time.Now().UTC().Add(-s.deps.LeaseExpiry)
	ok, err := s.deps.Files.AcquireLease(dbc, fileID, token, cutoff)
	if err != nil {
		return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "acquire", Err: err}
	}
	if !ok {
		// Lost the acquire race. If another worker already finished the item
		// that is success, not an error.
		cur, err := s.deps.Files.GetByID(dbc, fileID)
		if err != nil {
			return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "acquire-reread", Err: err}
		}
		if res, done := fileOutcome(cur); done {
			return res, nil
		}
		return ConvertFileResult{}, &ContentionError{ItemID: fileID}
	}

	out, convErr := s.deps.Converter.Convert(ctx, f.Filename, f.ContentHash)
	if convErr != nil {
		if !lastHostAttempt {
			// Hand the item back cleanly and let the host reschedule the
			// whole operation.
			if _, relErr := s.deps.Files.ReleaseToPending(dbc, fileID, token); relErr != nil {
				s.deps.Log.Warn("release file lease failed", "file_id", fileID, "error", relErr)
			}
			return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "convert", Err: convErr}
		}
		// Out of host retries: absorb into a terminal write so the item can
		// never be left stuck in converting.
		s.deps.Log.Warn("conversion retries exhausted; marking file failed", "file_id", fileID, "attempt", hostAttempt, "error", convErr)
		wrote, finErr := s.deps.Files.FinalizeWithToken(dbc, fileID, token, map[string]interface{}{
			"status": types.FileStatusFailed,
			"error":  convErr.Error(),
		})
		if finErr != nil {
			return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "finalize-failed", Err: finErr}
		}
		if !wrote {
			return s.recordedOutcome(dbc, fileID)
		}
		return ConvertFileResult{FileID: fileID, Status: types.FileStatusFailed, Error: convErr.Error()}, nil
	}

	wrote, err := s.deps.Files.FinalizeWithToken(dbc, fileID, token, map[string]interface{}{
		"status":            types.FileStatusConverted,
		"extracted_content": out.Content,
		"error":             "",
	})
	if err != nil {
		return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "finalize", Err: err}
	}
	if !wrote {
		// Lease was taken over while we were converting; the in-hand result
		// is discarded and whatever the new holder recorded wins.
		return s.recordedOutcome(dbc, fileID)
	}
	return ConvertFileResult{FileID: fileID, Status: types.FileStatusConverted, Converted: true}, nil
}

func (s *ConvertFileStep) recordedOutcome(dbc dbctx.Context, fileID uuid.UUID) (ConvertFileResult, error) {
	cur, err := s.deps.Files.GetByID(dbc, fileID)
	if err != nil {
		return ConvertFileResult{}, &TransientError{ItemID: fileID, Stage: "outcome-reread", Err: err}
	}
	if res, done := fileOutcome(cur); done {
		return res, nil
	}
	return ConvertFileResult{}, &ContentionError{ItemID: fileID}
}

func fileOutcome(f *types.SourceFile) (ConvertFileResult, bool) {
	switch f.Status {
	case types.FileStatusConverted:
		return ConvertFileResult{FileID: f.ID, Status: f.Status, Converted: true}, true
	case types.FileStatusFailed:
		return ConvertFileResult{FileID: f.ID, Status: f.Status, Error: f.Error}, true
	}
	return ConvertFileResult{}, false
}
