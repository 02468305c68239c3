package util

import (
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// DefaultRetryBackoff is used for broker connectivity checks during
// pipeline initialization.
var DefaultRetryBackoff = wait.Backoff{
	Steps:    5,
	Duration: 1 * time.Second,
	Factor:   2.0,
	Jitter:   0.1,
}

// DefaultPublishBackoff is used to retry transient publish failures.
var DefaultPublishBackoff = wait.Backoff{
	Steps:    5,
	Duration: 100 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}
