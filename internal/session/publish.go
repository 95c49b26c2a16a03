package session

import (
	"fmt"

	"github.com/aristath/taskflow/internal/engine"
	"github.com/aristath/taskflow/internal/events"
	"github.com/aristath/taskflow/internal/orchestrator"
)

func (m *Manager) publish(topic string, ev events.Event) {
	m.bus.Publish(topic, ev)
}

// sink streams every checkpointed step to the event bus, together with the
// task changes and tool calls it produced.
func (m *Manager) sink(sess *Session) engine.Sink[*orchestrator.State] {
	return func(out engine.StepOutput[*orchestrator.State]) {
		now := m.now()
		sess.touch(now)
		s := out.State
		m.publish(events.TopicSession, events.StepEvent{
			Session:      sess.ID,
			CheckpointID: out.CheckpointID,
			Step:         out.Step,
			Node:         out.Node,
			Next:         out.Next,
			Messages:     s.MessageCount(),
			Timestamp:    now,
		})

		for _, t := range sess.changedTasks(s.Plan) {
			m.publish(events.TopicTask, events.TaskStatusEvent{
				Session:      sess.ID,
				TaskID:       t.ID,
				Description:  t.Description,
				Worker:       t.AssignedWorker,
				Status:       string(t.Status),
				FailureCount: t.FailureCount,
				Timestamp:    now,
			})
		}

		for _, r := range sess.newToolRecords() {
			m.publish(events.TopicTool, events.ToolCallEvent{
				Session:   sess.ID,
				Sequence:  r.Sequence,
				Tool:      r.ToolName,
				RequestID: r.RequestID,
				Success:   r.Success,
				Result:    r.Result,
				Duration:  r.Duration,
				Timestamp: r.Timestamp,
			})
		}
	}
}

// finish converts an engine result into an Outcome and announces it.
func (m *Manager) finish(sess *Session, res *engine.Result[*orchestrator.State]) *Outcome {
	s := res.State
	out := &Outcome{
		SessionID:    sess.ID,
		CheckpointID: res.Checkpoint.ID,
		Steps:        res.Steps,
		Answer:       s.Answer(),
		Suspended:    res.Interrupted,
		Node:         res.Node,
		Interrupt:    res.Checkpoint.Interrupt,
		Done:         res.Checkpoint.Done(),
		Failed:       s.Error != "",
		Replans:      s.ReplanCount,
	}

	switch {
	case out.Suspended:
		out.Prompt = prompt(res)
		m.log.Info("session suspended", "session", sess.ID, "node", res.Node, "interrupt", res.Checkpoint.Interrupt)
		m.publish(events.TopicSession, events.SuspendedEvent{
			Session:      sess.ID,
			CheckpointID: res.Checkpoint.ID,
			Node:         res.Node,
			Interrupt:    string(res.Checkpoint.Interrupt),
			Prompt:       out.Prompt,
			Timestamp:    m.now(),
		})
	case out.Done:
		m.log.Info("session finished", "session", sess.ID, "failed", out.Failed, "replans", out.Replans, "steps", res.Steps)
		m.publish(events.TopicSession, events.FinishedEvent{
			Session:   sess.ID,
			Answer:    out.Answer,
			Failed:    out.Failed,
			Replans:   out.Replans,
			Timestamp: m.now(),
		})
	}
	return out
}

// prompt is what a suspended session asks of the user.
func prompt(res *engine.Result[*orchestrator.State]) string {
	s := res.State
	if res.Checkpoint.Interrupt == engine.InterruptBefore {
		worker := s.ActiveWorker
		if worker == "" {
			worker = res.Node
		}
		return fmt.Sprintf("Allow %s to run task %s (%s)? Reply yes or no.", worker, s.TaskID, s.TaskDescription)
	}
	return s.Question
}
