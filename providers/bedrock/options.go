package bedrock

import "github.com/aws/aws-sdk-go-v2/aws"

// Option configures the Bedrock adapter.
type Option func(*Adapter)

// WithDefaultRegion sets the region used when an account names none.
func WithDefaultRegion(region string) Option {
	return func(a *Adapter) {
		if region != "" {
			a.defaultRegion = region
		}
	}
}

// WithSmallFastRegion sets the region for haiku-class models.
func WithSmallFastRegion(region string) Option {
	return func(a *Adapter) {
		if region != "" {
			a.smallFastRegion = region
		}
	}
}

// WithDefaultModel sets the model id used for unmapped Claude names.
func WithDefaultModel(model string) Option {
	return func(a *Adapter) {
		if model != "" {
			a.defaultModel = model
		}
	}
}

// WithMaxTokens caps max_tokens on every request.
func WithMaxTokens(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxTokens = n
		}
	}
}

// WithModelMapping adds or overrides Claude name to Bedrock id mappings.
func WithModelMapping(m map[string]string) Option {
	return func(a *Adapter) {
		for k, v := range m {
			a.models[k] = v
		}
	}
}

// WithCredentials sets the provider used for accounts without static keys.
// Without it the default AWS credential chain is loaded on first use.
func WithCredentials(p aws.CredentialsProvider) Option {
	return func(a *Adapter) {
		a.fallbackCreds = p
	}
}

// WithAllowPrivateEndpoints permits custom endpoints on private or loopback hosts.
func WithAllowPrivateEndpoints(allow bool) Option {
	return func(a *Adapter) {
		a.allowPrivate = allow
	}
}
