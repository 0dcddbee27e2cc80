package backfill

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// RecoverIncompleteJobs resumes the jobs a previous process left running or
// pending. Each is marked recovering and restarted from its checkpoint.
func (o *Orchestrator) RecoverIncompleteJobs(ctx context.Context) (*RecoveryResult, error) {
	o.mu.Lock()
	o.recovery.Status = RecoveryInProgress
	o.mu.Unlock()

	result := &RecoveryResult{}
	defer func() {
		now := time.Now().UTC()
		o.mu.Lock()
		o.recovery.Status = RecoveryIdle
		o.recovery.LastRecoveryAt = &now
		o.recovery.JobsRecovered = result.JobsRecovered
		o.recovery.JobsFailed = result.JobsFailed
		o.mu.Unlock()
	}()

	log.Info("Starting job recovery from store...")
	candidates, err := o.store.GetJobsByStatus(ctx, []JobStatus{Running, Pending})
	if err != nil {
		return result, storageError("get incomplete jobs", err)
	}

	running := make(map[string]struct{})
	for _, id := range o.tasks.running() {
		running[id] = struct{}{}
	}

	for _, job := range candidates {
		logger := log.WithFields(log.Fields{"job_id": job.ID, "job_type": job.Type})
		if _, ok := running[job.ID]; ok {
			logger.Debug("Job is already executing in this process, skipping")
			continue
		}
		if err := o.recoverJob(ctx, job); err != nil {
			logger.Errorf("Failed to recover job: %v", err)
			result.JobsFailed++
			RecoveredJobsTotal.WithLabelValues("failed").Inc()
			continue
		}
		logger.Infof("Recovered job (was %s)", job.Status)
		result.JobsRecovered++
		RecoveredJobsTotal.WithLabelValues("recovered").Inc()
	}

	result.Success = result.JobsFailed == 0
	if len(candidates) > 0 {
		log.Infof("Job recovery finished: %d recovered, %d failed", result.JobsRecovered, result.JobsFailed)
	}
	return result, nil
}

func (o *Orchestrator) recoverJob(ctx context.Context, job *Job) error {
	cp, err := o.store.GetCheckpoint(ctx, job.ID)
	if err != nil {
		return storageError("get checkpoint", err)
	}
	if cp != nil {
		log.WithField("job_id", job.ID).Debugf("Checkpoint has %d completed items", len(cp.ItemsCompleted))
	}

	update := JobUpdate{ExpectStatus: []JobStatus{Running, Pending}, Status: statusPtr(Recovering)}
	if job.ResumedAt == nil {
		update.ResumedAt = timePtr(time.Now().UTC())
	}
	if err := o.store.UpdateJob(ctx, job.ID, update); err != nil {
		return storageError("mark recovering", err)
	}
	if !o.dispatch(job.ID) {
		return ErrDisposed
	}
	return nil
}

// GetRecoveryStatus returns the state of the recovery flow in this process.
func (o *Orchestrator) GetRecoveryStatus() RecoveryStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := o.recovery
	if status.LastRecoveryAt != nil {
		t := *status.LastRecoveryAt
		status.LastRecoveryAt = &t
	}
	return status
}
