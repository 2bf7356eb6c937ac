package op

import (
	"log/slog"
	"net/http"

	httphelper "github.com/opkit/backauth/pkg/http"
	"github.com/opkit/backauth/pkg/oidc"
)

// RequestError writes the error response for a failed endpoint call and
// logs it on the level the error suggests. Any non-OAuth error is wrapped
// into a server_error before it reaches the client.
func RequestError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	e := oidc.DefaultToServerError(err, err.Error())
	logger.Log(r.Context(), e.LogLevel(), "request error", "oidc_error", e)
	httphelper.MarshalJSONWithStatus(w, e, e.StatusCode())
}
