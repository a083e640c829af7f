package job

import (
	log "github.com/sirupsen/logrus"
)

// ApplyRemoteStatus applies the local consequence of a newly observed remote status.
//
// ActionDownload makes no local change; the caller hands the job to the output downloader instead.
// Unknown statuses are logged and ignored.
func ApplyRemoteStatus(j *Job, status RemoteStatus) (Action, error) {
	action := Translate(status)
	switch action {
	case ActionRun:
		return action, j.UpdateStatus(Running)
	case ActionFail:
		return action, j.UpdateStatus(Failed)
	case ActionFailUnlessFinal:
		if j.Status().IsFinal() {
			// output is being retrieved
			return ActionNone, nil
		}
		log.WithField("job", j.FQID()).Warnf("job has unexpectedly reached the %s state and its output cannot be retrieved", status)
		return action, j.UpdateStatus(Failed)
	case ActionUnexpected:
		log.WithField("job", j.FQID()).Warnf("unexpected job status %q", status)
	}
	return action, nil
}
