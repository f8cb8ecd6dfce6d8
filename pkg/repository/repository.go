package repository

import (
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/reverie/pkg/interfaces"
	"github.com/m-mizutani/reverie/pkg/model"
)

var (
	_ interfaces.Repository = (*SQLite)(nil)
	_ interfaces.Repository = (*Firestore)(nil)
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, goerr.Wrap(err, "invalid stored timestamp", goerr.V("value", s))
	}
	return t, nil
}

// checkCommit validates a reflection commit against what is currently stored.
func checkCommit(current, base *model.IdentityState, latestEnd, maxLog model.LogID, rec *model.ReflectionRecord) error {
	if !current.SameVersion(base) {
		return goerr.Wrap(model.ErrConflict, "identity changed since it was read",
			goerr.V("base_count", base.ReflectionCount),
			goerr.V("current_count", current.ReflectionCount))
	}
	if !rec.Window.Follows(&model.LogWindow{End: latestEnd}) {
		return goerr.Wrap(model.ErrConflict, "reflection window is not contiguous",
			goerr.V("latest_end", latestEnd),
			goerr.V("start", rec.Window.Start))
	}
	if rec.Window.Len() == 0 || rec.Window.End > maxLog {
		return goerr.Wrap(model.ErrValidation, "reflection window is out of range",
			goerr.V("window", rec.Window),
			goerr.V("max_log", maxLog))
	}
	return nil
}
