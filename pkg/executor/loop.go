package executor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/conductor/pkg/kv"
)

// brpopTimeout bounds each BRPop call so the consumer loop can observe
// ctx cancellation instead of blocking on the queue forever.
const brpopTimeout = 5 * time.Second

// Run is the executor's main loop: BRPop one dispatch token at a time from
// queueName and hand the parsed job id to Execute, grounded on the teacher's
// pkg/worker containerExecutorLoop shape but consuming Redis list tokens
// instead of a gRPC task stream.
func (e *Executor) Run(ctx context.Context, queueName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := e.kv.BRPop(ctx, queueName, brpopTimeout)
		if err == kv.ErrNil {
			continue
		}
		if err != nil {
			e.logger.Error().Err(err).Msg("brpop failed, retrying")
			time.Sleep(time.Second)
			continue
		}

		jobID, ok := parseDispatchToken(result)
		if !ok {
			e.logger.Warn().Str("token", result).Msg("malformed dispatch token, dropping")
			continue
		}

		if err := e.Execute(ctx, jobID); err != nil {
			e.logger.Error().Err(err).Int64("job_id", jobID).Msg("job execution failed")
		}
	}
}

// parseDispatchToken extracts the job id suffix from a "hash:jobID" token.
func parseDispatchToken(token string) (int64, bool) {
	idx := strings.LastIndex(token, ":")
	if idx < 0 || idx == len(token)-1 {
		return 0, false
	}
	jobID, err := strconv.ParseInt(token[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return jobID, true
}
