package xtool

// Option customises a Client at construction time.
type Option func(*Client)

// WithHTTPPort overrides the device HTTP port (default 8080).
func WithHTTPPort(port int) Option {
	return func(c *Client) {
		c.httpPort = port
	}
}

// WithPushPort overrides the push-channel port (default 8081).
func WithPushPort(port int) Option {
	return func(c *Client) {
		c.pushPort = port
	}
}
