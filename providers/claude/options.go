package claude

// Option configures the Claude adapter.
type Option func(*Adapter)

// WithBaseURL sets the default API endpoint. Accounts with a custom endpoint override it.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithAPIVersion sets the anthropic-version header.
func WithAPIVersion(version string) Option {
	return func(a *Adapter) {
		if version != "" {
			a.apiVersion = version
		}
	}
}

// WithHeader adds a static header sent on every request.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.headers[key] = value
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.defaultModel = model
		}
	}
}

// WithAllowPrivateEndpoints permits custom endpoints on private or loopback hosts.
func WithAllowPrivateEndpoints(allow bool) Option {
	return func(a *Adapter) {
		a.allowPrivate = allow
	}
}
