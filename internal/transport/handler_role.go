package transport

import (
	"encoding/json"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/directory"
	"github.com/pitabwire/caseflow/model"
)

// handleRoleRegister binds a worker role to its delivery endpoint. Workers
// call it at startup; re-registration overwrites.
func handleRoleRegister(dir *directory.Directory, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Role     string `json:"role"`
			Endpoint string `json:"endpoint"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, model.NewBadRequestError("invalid JSON body"))
			return
		}

		var details []model.FieldError
		if body.Role == "" {
			details = append(details, model.FieldError{Field: "role", Code: "required", Message: "role is required"})
		}
		if u, err := url.Parse(body.Endpoint); body.Endpoint == "" || err != nil || u.Scheme == "" {
			details = append(details, model.FieldError{Field: "endpoint", Code: "invalid", Message: "endpoint must be an absolute URL"})
		}
		if len(details) > 0 {
			WriteValidationError(w, details)
			return
		}

		prev, replaced := dir.Register(body.Role, body.Endpoint)
		if replaced {
			logger.Info("directory: endpoint re-registered",
				zap.String("role", body.Role),
				zap.String("endpoint", body.Endpoint),
				zap.String("previous", prev),
			)
		} else {
			logger.Info("directory: endpoint registered",
				zap.String("role", body.Role),
				zap.String("endpoint", body.Endpoint),
			)
		}

		WriteJSON(w, http.StatusCreated, map[string]any{
			"role":     body.Role,
			"endpoint": body.Endpoint,
			"replaced": replaced,
		})
	}
}

func handleRoleList(dir *directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"roles": dir.Roles()})
	}
}
