package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/voxrelay/voxrelay/internal/room"
)

// Authenticator resolves the connecting participant from the WebSocket
// upgrade request. Implementations must not write to the response; the
// connection is already accepted when authentication runs, and a failure is
// reported to the client as a policy-violation close.
type Authenticator interface {
	Authenticate(r *http.Request) (room.Identity, error)
}

// InsecureAuthenticator trusts the token query parameter as the user ID and
// mints a guest identity when it is absent. Development deployments only;
// anything public sits behind a gateway that does real authentication.
type InsecureAuthenticator struct{}

// Authenticate implements Authenticator.
func (InsecureAuthenticator) Authenticate(r *http.Request) (room.Identity, error) {
	q := r.URL.Query()
	id := q.Get("token")
	if id == "" {
		id = "guest-" + uuid.NewString()
	}
	username := q.Get("username")
	if username == "" {
		username = id
	}
	return room.Identity{ID: id, Username: username}, nil
}
