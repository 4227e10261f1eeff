package app

import (
	"context"
	"strings"

	"livetimeline/internal/config"
	logx "livetimeline/pkg/logx"
)

// startReload applies hot-reloadable sections of each committed config.
func (a *App) startReload() {
	updates := a.cfgm.Updates()
	a.sup.Go0("config.reload", func(c context.Context) {
		applied := a.cfgm.Current()
		for {
			select {
			case <-c.Done():
				return
			case next := <-updates:
				a.applyConfig(applied, next)
				applied = next
			}
		}
	})
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	if err := a.logs.Apply(mapLogConfig(newCfg)); err != nil {
		a.log.Warn("log file unavailable; console only", logx.Err(err))
	}

	if err := a.verifier.Replace(mapAdmins(newCfg)); err != nil {
		a.log.Warn("invalid admin list; keeping previous", logx.Err(err))
	}
	a.api.SetRequireToken(newCfg.Auth.RequireToken)
	a.hub.SetRequireToken(newCfg.Auth.RequireToken)
	a.hub.SetLimits(newCfg.Websocket.CommandRatePerSec, newCfg.Websocket.CommandBurst)

	if a.store != nil && oldCfg.Storage.FlushSchedule != newCfg.Storage.FlushSchedule {
		if err := a.sched.Reschedule(flushJob, newCfg.Storage.FlushSchedule); err != nil {
			a.log.Warn("invalid flush schedule; keeping previous", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
