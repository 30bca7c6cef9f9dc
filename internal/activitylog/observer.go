package activitylog

import (
	"github.com/jonathan/price-tracker/internal/logger"
	"github.com/jonathan/price-tracker/internal/types"
)

// Event describes one ledger mutation.
type Event struct {
	ID           int64
	ActivityType string
	TargetID     string
	From         types.ActivityState
	To           types.ActivityState
	ErrorMsg     string
}

// Observer receives ledger events. It must not block.
type Observer func(Event)

// LogObserver returns an Observer that writes each event to log.
func LogObserver(log logger.Logger) Observer {
	return func(e Event) {
		fields := []logger.Field{
			logger.Int64("activity_log_id", e.ID),
			logger.String("activity_type", e.ActivityType),
			logger.String("target_id", e.TargetID),
			logger.String("to", string(e.To)),
		}
		if e.From != "" {
			fields = append(fields, logger.String("from", string(e.From)))
		}
		if e.ErrorMsg != "" {
			fields = append(fields, logger.String("error_msg", e.ErrorMsg))
		}
		log.Debug("activity log transition", fields...)
	}
}

// Observers fans an event out to several observers in order.
func Observers(obs ...Observer) Observer {
	return func(e Event) {
		for _, o := range obs {
			if o != nil {
				o(e)
			}
		}
	}
}
