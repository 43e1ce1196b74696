package config

import "time"

type TuningConfig interface {
	GetRefreshMargin() time.Duration
	GetRefreshInterval() time.Duration
	GetRequestTimeout() time.Duration
}

type Tuning struct{}

var _ TuningConfig = Tuning{}

func (Tuning) GetRefreshMargin() time.Duration {
	return 5 * time.Second
}

// GetRefreshInterval caps how long the demo waits between refreshes even
// when the token lifetime would allow more. Zero leaves it to the token TTL.
func (Tuning) GetRefreshInterval() time.Duration {
	return 0
}

func (Tuning) GetRequestTimeout() time.Duration {
	return 15 * time.Second
}
