package retry

import (
	"github.com/drblury/flowmesh/internal/runtime/config"
)

// FromConfig builds the template selected by conf.RetryPolicy. When
// conf.RetryAsync is set the result runs on the scheduler given to Execute.
func FromConfig(conf *config.Config, opts ...Option) Executor {
	tmpl := templateFor(conf, opts...)
	if conf != nil && conf.RetryAsync {
		return NewAsyncTemplate(tmpl)
	}
	return tmpl
}

func templateFor(conf *config.Config, opts ...Option) *Template {
	if conf == nil {
		return NewNoRetryTemplate(opts...)
	}
	switch conf.RetryPolicy {
	case config.RetryPolicySimple:
		return NewSimpleTemplate(conf.RetryCount, conf.RetryFrequency, opts...)
	case config.RetryPolicyForever:
		return NewForeverTemplate(conf.RetryFrequency, opts...)
	case config.RetryPolicyExponential:
		return NewExponentialTemplate(ExponentialConfig{
			InitialInterval: conf.RetryFrequency,
			MaxInterval:     conf.RetryMaxInterval,
			MaxAttempts:     conf.RetryCount,
		}, opts...)
	default:
		return NewNoRetryTemplate(opts...)
	}
}
