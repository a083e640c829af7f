package job

// RemoteStatus is a status string reported by the grid middleware.
type RemoteStatus string

const (
	RemoteSubmitted    RemoteStatus = "Submitted"
	RemoteWaiting      RemoteStatus = "Waiting"
	RemoteReady        RemoteStatus = "Ready"
	RemoteScheduled    RemoteStatus = "Scheduled"
	RemoteRunning      RemoteStatus = "Running"
	RemoteDoneSuccess  RemoteStatus = "Done (Success)"
	RemoteDoneFailed   RemoteStatus = "Done (Failed)"
	RemoteDoneExitCode RemoteStatus = "Done (Exit Code !=0)"
	RemoteAborted      RemoteStatus = "Aborted"
	RemoteCancelled    RemoteStatus = "Cancelled"
	RemoteCleared      RemoteStatus = "Cleared"
	// RemoteRemoved is never reported by the middleware; it is recorded locally for ids the middleware no longer knows.
	RemoteRemoved RemoteStatus = "Removed"
)

// ReasonRemoved is recorded on jobs whose native id vanished from the middleware.
const ReasonRemoved = "job removed from WMS"

// IsFinal reports whether the middleware will not change this status any more.
// Aggregates in one of these states are not cancelled when a master is killed.
func (s RemoteStatus) IsFinal() bool {
	switch s {
	case RemoteAborted, RemoteCancelled, RemoteCleared, RemoteDoneSuccess, RemoteDoneFailed, RemoteDoneExitCode:
		return true
	}
	return false
}

// Action is what the local state machine does in response to a remote status.
type Action int

const (
	// ActionUnexpected means the status is not in the translation table; it is logged and otherwise ignored.
	ActionUnexpected Action = iota
	// ActionNone leaves the local status unchanged.
	ActionNone
	ActionRun
	ActionFail
	// ActionDownload defers to the output downloader, which owns the completing and completed transitions.
	ActionDownload
	// ActionFailUnlessFinal fails the job unless it is already in a final status.
	ActionFailUnlessFinal
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionRun:
		return "run"
	case ActionFail:
		return "fail"
	case ActionDownload:
		return "download"
	case ActionFailUnlessFinal:
		return "fail-unless-final"
	}
	return "unexpected"
}

var translations = map[RemoteStatus]Action{
	RemoteRunning:      ActionRun,
	RemoteDoneSuccess:  ActionDownload,
	RemoteAborted:      ActionFail,
	RemoteCancelled:    ActionFail,
	RemoteDoneExitCode: ActionFail,
	RemoteRemoved:      ActionFail,
	RemoteCleared:      ActionFailUnlessFinal,
	RemoteSubmitted:    ActionNone,
	RemoteWaiting:      ActionNone,
	RemoteScheduled:    ActionNone,
	RemoteReady:        ActionNone,
	RemoteDoneFailed:   ActionNone,
}

// Translate maps a remote status to the action the local state machine takes.
func Translate(status RemoteStatus) Action {
	if action, ok := translations[status]; ok {
		return action
	}
	return ActionUnexpected
}
