package openai

// Option configures the OpenAI adapter.
type Option func(*Adapter)

// WithBaseURL sets the default OpenAI endpoint.
func WithBaseURL(url string) Option {
	return func(a *Adapter) {
		if url != "" {
			a.baseURL = url
		}
	}
}

// WithAzureAPIVersion sets the api-version query parameter for Azure deployments.
func WithAzureAPIVersion(version string) Option {
	return func(a *Adapter) {
		if version != "" {
			a.azureAPIVersion = version
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

// WithHeader adds a custom header.
func WithHeader(key, value string) Option {
	return func(a *Adapter) {
		a.headers[key] = value
	}
}

// WithAllowPrivateEndpoints permits custom endpoints on private or loopback hosts.
func WithAllowPrivateEndpoints(allow bool) Option {
	return func(a *Adapter) {
		a.allowPrivate = allow
	}
}
