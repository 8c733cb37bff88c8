package upstream

import "encoding/base64"

// Credentials is the subscriber account presented to the remote index.
type Credentials struct {
	Username string
	Password string
}

// Empty reports whether no credentials are configured.
func (c Credentials) Empty() bool {
	return c.Username == "" && c.Password == ""
}

// Header returns the Authorization header value for these credentials.
func (c Credentials) Header() string {
	return BasicAuth(c.Username, c.Password)
}

// BasicAuth encodes a username and password as an HTTP Basic Authorization
// header value.
func BasicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
