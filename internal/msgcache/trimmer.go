package msgcache

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration returns the duration from now until expr next fires.
// Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Trimmer applies the cache retention policy on a cron schedule.
type Trimmer struct {
	cache     *Cache
	schedule  string
	retention time.Duration
	keep      int
	out       io.Writer
	now       func() time.Time
}

// TrimmerOpts holds parameters for creating a Trimmer.
type TrimmerOpts struct {
	Cache     *Cache
	Schedule  string        // 5-field cron expression
	Retention time.Duration // 0 disables age-based trimming
	Keep      int           // rows kept per conversation; 0 disables
	Out       io.Writer     // defaults to os.Stdout
	Now       func() time.Time
}

// NewTrimmer creates a Trimmer. The schedule must parse.
func NewTrimmer(opts TrimmerOpts) (*Trimmer, error) {
	if opts.Cache == nil {
		return nil, fmt.Errorf("msgcache: trimmer: cache is required")
	}
	if _, err := cronParser.Parse(opts.Schedule); err != nil {
		return nil, fmt.Errorf("msgcache: trimmer: schedule %q: %w", opts.Schedule, err)
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Trimmer{
		cache:     opts.Cache,
		schedule:  opts.Schedule,
		retention: opts.Retention,
		keep:      opts.Keep,
		out:       out,
		now:       now,
	}, nil
}

// RunOnce performs a single trim pass.
func (t *Trimmer) RunOnce(ctx context.Context) (int64, error) {
	var cutoff time.Time
	if t.retention > 0 {
		cutoff = t.now().Add(-t.retention)
	}
	n, err := t.cache.Trim(ctx, cutoff, t.keep)
	if err != nil {
		return n, err
	}
	if n > 0 {
		fmt.Fprintf(t.out, "msgcache: trimmed %d cached messages\n", n)
	}
	return n, nil
}

// Run trims on every schedule tick until ctx is cancelled.
func (t *Trimmer) Run(ctx context.Context) {
	for {
		d := nextCronDuration(t.schedule, t.now())
		if d <= 0 {
			d = time.Minute
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := t.RunOnce(ctx); err != nil {
				log.Printf("msgcache: trimmer: %v", err)
			}
		}
	}
}
