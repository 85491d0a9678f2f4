package plugin

import (
	"context"
	"fmt"
	"time"
)

// Action names contributed by the bootstrap plugin.
const (
	ActionNone     = "NONE"
	ActionIgnore   = "IGNORE"
	ActionContinue = "CONTINUE"
)

// DefaultPurgeInterval is how often the bootstrap plugin clears expired
// cache entries.
const DefaultPurgeInterval = 10 * time.Minute

// Bootstrap is the plugin every agent gets: the current time as
// context, the basic reply actions, and cache housekeeping.
type Bootstrap struct {
	now           func() time.Time
	purgeInterval time.Duration
}

// NewBootstrap returns the bootstrap plugin.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{now: time.Now, purgeInterval: DefaultPurgeInterval}
}

func (b *Bootstrap) Name() string { return "bootstrap" }

func (b *Bootstrap) Description() string {
	return "Core reply actions, time context and cache upkeep"
}

func (b *Bootstrap) Actions() []Action {
	return []Action{
		simpleAction{ActionNone, "Reply normally.", Reply},
		simpleAction{ActionIgnore, "Say nothing; the conversation is over or not addressed to you.", Suppress},
		simpleAction{ActionContinue, "Add one more message to your reply.", Continue},
	}
}

func (b *Bootstrap) Providers() []Provider { return []Provider{timeProvider{now: b.now}} }

func (b *Bootstrap) Services() []Service {
	return []Service{cacheJanitor{interval: b.purgeInterval}}
}

type timeProvider struct {
	now func() time.Time
}

func (timeProvider) Name() string { return "time" }

func (p timeProvider) Get(context.Context, Env, Message) (string, error) {
	return fmt.Sprintf("The current date and time is %s.", p.now().UTC().Format("Monday, January 2, 2006 15:04 MST")), nil
}

type cacheJanitor struct {
	interval time.Duration
}

func (cacheJanitor) Name() string { return "cache-janitor" }

func (j cacheJanitor) Run(ctx context.Context, env Env) error {
	if env.Cache == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := env.Cache.Purge(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("purge cache: %w", err)
			}
			if n > 0 && env.Logger != nil {
				env.Logger.Debug("purged expired cache entries", "count", n)
			}
		}
	}
}
