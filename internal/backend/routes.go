package backend

import (
	"net/http"
	"net/url"
	"strings"
)

// codePlaceholder in a route path is replaced with the escaped
// verification code. Such a route carries no request body.
const codePlaceholder = "{code}"

// Route is one backend endpoint, relative to the client's base URL.
type Route struct {
	Method string
	Path   string
}

func (r Route) carriesCode() bool {
	return strings.Contains(r.Path, codePlaceholder)
}

func (r Route) expand(code string) string {
	return strings.ReplaceAll(r.Path, codePlaceholder, url.PathEscape(code))
}

// Routes maps each backend call to an endpoint.
type Routes struct {
	Status              Route
	SignUp              Route
	StartVerification   Route
	ConfirmVerification Route
	Poll                Route
}

// DefaultRoutes is the signup API layout the client uses unless told
// otherwise.
func DefaultRoutes() Routes {
	return Routes{
		Status:              Route{Method: http.MethodGet, Path: "/api/v1/signup"},
		SignUp:              Route{Method: http.MethodPost, Path: "/api/v1/signup"},
		StartVerification:   Route{Method: http.MethodPost, Path: "/api/v1/signup/verification"},
		ConfirmVerification: Route{Method: http.MethodPost, Path: "/api/v1/signup/verification/confirm"},
		Poll:                Route{Method: http.MethodGet, Path: "/api/v1/signup"},
	}
}

// RegistrationServiceRoutes is the layout of the hosted registration
// service, which starts verification with PUT and confirms it with a GET
// carrying the code in the path.
func RegistrationServiceRoutes() Routes {
	r := DefaultRoutes()
	r.StartVerification = Route{Method: http.MethodPut, Path: "/api/v1/signup/verification"}
	r.ConfirmVerification = Route{Method: http.MethodGet, Path: "/api/v1/signup/verification/" + codePlaceholder}
	return r
}
