package server

import (
	"context"
	"errors"
	"net/http"

	apperrors "github.com/sdwanlab/ratewatch/internal/errors"
	"github.com/sdwanlab/ratewatch/internal/output"
)

// HandleError writes err as an error envelope. Plain errors with a known
// meaning get a matching code instead of INTERNAL_ERROR.
func HandleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, output.ErrNoPoints):
		err = apperrors.NewNotFoundError(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		err = apperrors.WrapTimeout(r.Context(), err, "request timed out")
	}
	apperrors.RespondWithError(w, r, err)
}
