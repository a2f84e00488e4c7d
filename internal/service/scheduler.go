package service

import (
	"context"
	"time"

	"github.com/MimeLyc/agent-orchestrator/internal/config"
	"github.com/MimeLyc/agent-orchestrator/internal/jobs"
	"github.com/MimeLyc/agent-orchestrator/pkg/icron"
	"github.com/MimeLyc/agent-orchestrator/pkg/log"
)

const refreshEntryKey = "mcp-refresh"

// Schedule registers the cron entries of every scheduled agent and the
// remote tool refresh. Scheduled runs go through the run queue when one is
// configured; a run still pending or running from the previous trigger
// suppresses the next one.
func (s *Service) Schedule(ctx context.Context) error {
	log.Info("Scheduling agents")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return NewError(ErrConfig, "no cron engine configured")
	}
	s.scheduleCtx = ctx
	s.scheduled = true

	for _, def := range s.catalog.EnabledAgents() {
		if def.Schedule == nil {
			continue
		}
		if err := s.scheduleAgentLocked(def); err != nil {
			return err
		}
	}

	if expr := s.cfg.Schedule.MCPRefreshCron; expr != "" && s.remote != nil {
		if _, ok := s.remote.(refresher); ok {
			id, err := s.cron.AddFunc(expr, func() {
				if err := s.RefreshTools(ctx); err != nil {
					log.Error("Failed to refresh remote tools: %v", err)
				}
			})
			if err != nil {
				return WrapError(err, ErrConfig, "invalid MCP refresh cron").WithContext("cron", expr)
			}
			s.entries[refreshEntryKey] = id
		}
	}
	return nil
}

func (s *Service) scheduleAgentLocked(def config.AgentDefinition) error {
	expr := s.cronExprLocked(def)
	if id, ok := s.entries[def.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, def.ID)
	}
	id, err := s.cron.AddFunc(expr, func() { s.triggerScheduled(def) })
	if err != nil {
		return WrapError(err, ErrConfig, "invalid schedule").
			WithContext("agent", def.ID).
			WithContext("cron", expr)
	}
	s.entries[def.ID] = id
	log.Info("Agent %s scheduled with %q", def.ID, expr)
	return nil
}

func (s *Service) cronExprLocked(def config.AgentDefinition) string {
	if def.Schedule != nil && def.Schedule.Cron != "" {
		return def.Schedule.Cron
	}
	return s.cfg.Schedule.CronExpr
}

// triggerScheduled starts one scheduled run. Overlapping triggers of the same
// agent collapse into one.
func (s *Service) triggerScheduled(def config.AgentDefinition) {
	_, _, _ = s.flight.Do("agent:"+def.ID, func() (any, error) {
		req := RunRequest{AgentID: def.ID, Prompt: def.Schedule.Prompt}
		if s.queue == nil {
			s.mu.RLock()
			ctx := s.scheduleCtx
			s.mu.RUnlock()
			if _, err := s.Run(ctx, req); err != nil {
				LogError(err)
				return nil, err
			}
			return nil, nil
		}

		job, created, err := s.Enqueue(req, jobs.SourceCron, "cron|"+def.ID)
		if err != nil {
			LogError(err)
			return nil, err
		}
		if !created {
			log.Info("Scheduled run of %s skipped, %s is still %s", def.ID, job.ID, job.Status)
		}
		return nil, nil
	})
}

// Schedules reports the next and last trigger of every scheduled agent.
func (s *Service) Schedules(now time.Time) []ScheduleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ScheduleInfo, 0)
	for _, def := range s.catalog.EnabledAgents() {
		if def.Schedule == nil {
			continue
		}
		expr := s.cronExprLocked(def)
		info, err := icron.GetTriggerInfo(expr, now)
		if err != nil {
			log.Warn("Cannot compute triggers of agent %s: %v", def.ID, err)
			continue
		}
		out = append(out, ScheduleInfo{
			AgentID:    def.ID,
			Expression: expr,
			Next:       info.Next,
			Last:       info.Last,
		})
	}
	return out
}
