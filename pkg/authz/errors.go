package authz

import (
	"fmt"

	"github.com/iota-uz/corpcms/pkg/serrors"
)

// ErrForbidden is the sentinel every denial matches with errors.Is.
var ErrForbidden = serrors.NewError("AUTHZ_FORBIDDEN", "permission denied", "Authorization.PermissionDenied")

func forbiddenError(req Request) *serrors.BaseError {
	return ErrForbidden.WithTemplateData(map[string]string{
		"subject": req.Subject,
		"object":  req.Object,
		"action":  req.Action,
	})
}

func configError(msg string, args ...any) error {
	return fmt.Errorf("authz: "+msg, args...)
}
