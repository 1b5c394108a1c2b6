package handlers

import (
	"net/http"

	apperrors "github.com/sdwanlab/ratewatch/internal/errors"
)

// httpErrorResponder writes handler errors. The server swaps in its own
// responder so stream, health and version errors share one envelope path.
var httpErrorResponder = apperrors.RespondWithError

// SetHTTPErrorResponder installs responder; nil restores the default.
func SetHTTPErrorResponder(responder func(http.ResponseWriter, *http.Request, error)) {
	if responder == nil {
		responder = apperrors.RespondWithError
	}
	httpErrorResponder = responder
}

func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	httpErrorResponder(w, r, err)
}
