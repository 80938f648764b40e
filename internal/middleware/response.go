package middleware

import (
	"net/http"

	apperrors "github.com/novamd/bridge-server-go/internal/errors"
	"github.com/novamd/bridge-server-go/internal/httputil"
)

type contextKey string

func writeError(w http.ResponseWriter, err *apperrors.AppError) {
	httputil.WriteErrorWithStatus(w, httputil.StatusFromCode(err.Code), err)
}
