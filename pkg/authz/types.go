package authz

import (
	"strings"

	"github.com/google/uuid"
)

const (
	subjectUserPrefix = "user"
	rolePrefix        = "role"
	subjectSeparator  = ":"
	objectSeparator   = "."
	actionWildcard    = "*"
)

// Request is a single casbin evaluation: may Subject perform Action on Object.
type Request struct {
	Subject string
	Object  string
	Action  string
}

func NewRequest(subject, object, action string) Request {
	return Request{
		Subject: subject,
		Object:  object,
		Action:  NormalizeAction(action),
	}
}

// SubjectForUser returns "user:{id}", or "user:system" for the nil id.
func SubjectForUser(id uuid.UUID) string {
	part := "system"
	if id != uuid.Nil {
		part = id.String()
	}
	return subjectUserPrefix + subjectSeparator + part
}

// SubjectForRole returns "role:{slug}" with the slug lowercased.
func SubjectForRole(slug string) string {
	slug = strings.TrimSpace(slug)
	if slug == "" {
		slug = "unnamed"
	}
	if strings.HasPrefix(slug, rolePrefix+subjectSeparator) {
		return slug
	}
	return rolePrefix + subjectSeparator + strings.ToLower(slug)
}

// ObjectName returns the canonical "module.resource" string.
func ObjectName(module, resource string) string {
	module = strings.ToLower(strings.TrimSpace(module))
	resource = strings.ToLower(strings.TrimSpace(resource))
	if module == "" {
		module = "global"
	}
	if resource == "" {
		resource = "resource"
	}
	return module + objectSeparator + resource
}

func NormalizeAction(action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return actionWildcard
	}
	return action
}
