package scheduler

import (
	"go.uber.org/zap"

	"rfgrid/pkg/model"
)

// Restore 协调器重启后从存储恢复任务，必须在 Run 之前、注册表 Restore 之后调用。
// queued 重新入队；running/allocating 按记录重新占用设备，占不回来的按丢失处理；allocating 继续重分配
func (s *Scheduler) Restore(jobs []*model.Job) {
	var resume []string
	s.mu.Lock()
	for _, j := range jobs {
		c := j.Clone()
		e := &entry{job: &c, index: -1}
		s.jobs[c.ID] = e
		if c.Seq > s.seq {
			s.seq = c.Seq
		}
		switch c.State {
		case model.JobQueued:
			s.queue.add(e)
		case model.JobRunning, model.JobAllocating:
			resume = append(resume, c.ID)
		case model.JobCompleted, model.JobFailed, model.JobCancelled:
		}
	}
	s.mu.Unlock()

	for _, id := range resume {
		e, err := s.entry(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		job := e.job
		for _, al := range job.ActiveAllocations() {
			if err := s.alloc.Reclaim(job.ID, al); err != nil {
				s.log.Warn("allocation not reclaimed", zap.String("job", job.ID), zap.String("node", al.NodeID), zap.Error(err))
				s.slotLostLocked(job, al.NodeID, al.DeviceID, "reservation lost across restart")
			}
		}
		if job.State == model.JobAllocating {
			s.scheduleReassign(job.ID)
		}
		e.mu.Unlock()
	}
	s.log.Info("jobs restored", zap.Int("jobs", len(jobs)), zap.Int("resumed", len(resume)))
}
