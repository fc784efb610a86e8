package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/careloop/medquery/internal/policy"
)

// Gateway-verified identity headers. Authentication happens upstream; these
// carry the already-validated principal into the service.
const (
	headerUser = "X-MedQuery-User"
	headerRole = "X-MedQuery-Role"
)

// defaultPolicy backs the HTTP-level table checks; statement-level checks
// run inside the validator with the same rules.
var defaultPolicy = policy.Default()

type identity struct {
	User string
	Role policy.Role
}

func identityFromRequest(r *http.Request) (identity, error) {
	user := strings.TrimSpace(r.Header.Get(headerUser))
	if user == "" {
		return identity{}, fmt.Errorf("missing %s header", headerUser)
	}
	role := policy.ParseRole(r.Header.Get(headerRole))
	if role == "" {
		return identity{}, fmt.Errorf("unknown role %q in %s header", r.Header.Get(headerRole), headerRole)
	}
	return identity{User: user, Role: role}, nil
}

func requireAdmin(r *http.Request) (identity, error) {
	id, err := identityFromRequest(r)
	if err != nil {
		return identity{}, err
	}
	if id.Role != policy.RoleAdmin {
		return identity{}, fmt.Errorf("role %q may not access this endpoint", id.Role)
	}
	return id, nil
}
