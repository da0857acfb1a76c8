package gemini

// Option configures the Gemini adapter.
type Option func(*Adapter)

// WithBaseURL sets the default API endpoint.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithAPIVersion sets the path version segment (v1beta by default).
func WithAPIVersion(v string) Option {
	return func(a *Adapter) {
		if v != "" {
			a.apiVersion = v
		}
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

func WithHeader(k, v string) Option { return func(a *Adapter) { a.headers[k] = v } }

func WithAllowPrivateEndpoints(allow bool) Option {
	return func(a *Adapter) { a.allowPrivate = allow }
}
