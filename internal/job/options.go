package job

import (
	"time"

	"jobqueue-platform/pkg/log"
)

// Options 各组件共享的注入项
type Options struct {
	Keys   Keyspace
	Logger *log.Logger
	Now    Clock
}

func (o Options) withDefaults() Options {
	if o.Keys.Prefix == "" {
		o.Keys = NewKeyspace("")
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}
