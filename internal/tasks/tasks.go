package tasks

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeUsageFlush = "usage:flush:sweep"
)

type UsageFlushPayload struct{}

func NewUsageFlushTask(opts ...asynq.Option) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(UsageFlushPayload{})
	if err != nil {
		return nil, err
	}

	uniqueOpt := asynq.Unique(10 * time.Minute)
	allOpts := append(opts, uniqueOpt)

	return asynq.NewTask(TypeUsageFlush, payloadBytes, allOpts...), nil
}
