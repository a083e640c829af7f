package lcgerrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		"preparation of job 1.3 failed; descriptor missing: boom",
		(&ErrPreparation{JobId: "1.3", Message: "descriptor missing", Cause: errors.New("boom")}).Error())
	assert.Equal(t,
		"submission of job 7 failed (1 of 2 submitted)",
		(&ErrSubmission{JobId: "7", Attempted: 2, Succeeded: 1}).Error())
	assert.Equal(t,
		"status call to GLITE middleware failed: timeout",
		(&ErrRemoteCommunication{Operation: "status", Middleware: "GLITE", Cause: errors.New("timeout")}).Error())
	assert.Equal(t, "operations of EDG middleware not enabled", (&ErrMiddlewareDisabled{Middleware: "EDG"}).Error())
	assert.Equal(t, "job 2 cannot transition from completed to running",
		(&ErrInvalidTransition{JobId: "2", From: "completed", To: "running"}).Error())
	assert.Equal(t, `resource "4" of type "job" does not exist`, (&ErrNotFound{Type: "job", Value: "4"}).Error())
}

func TestClassification_LooksThroughWrapping(t *testing.T) {
	remote := errors.Wrap(&ErrRemoteCommunication{Operation: "submit", Cause: errors.New("x")}, "submitting batch")
	submission := errors.WithMessage(&ErrSubmission{JobId: "1", Cause: remote}, "bulk submit")

	assert.True(t, IsRemoteCommunication(remote))
	assert.True(t, IsSubmission(submission))
	assert.True(t, IsRemoteCommunication(submission))
	assert.False(t, IsPreparation(submission))
	assert.True(t, IsPreparation(&ErrPreparation{}))
}
