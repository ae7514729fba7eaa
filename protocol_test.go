package goskills

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomyPredicates(t *testing.T) {
	auth := fmt.Errorf("load: %w", &AuthError{Reason: "expired"})
	assert.True(t, IsAuth(auth))
	assert.False(t, IsTransient(auth))

	notFound := &NotFoundError{Kind: "chat", ID: "42"}
	assert.True(t, IsNotFound(notFound))
	assert.Contains(t, notFound.Error(), `chat "42"`)

	limited := fmt.Errorf("call: %w", &RateLimitedError{RetryAfter: 3 * time.Second})
	wait, ok := IsRateLimited(limited)
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, wait)

	transient := &TransientError{Cause: errors.New("timeout")}
	assert.True(t, IsTransient(transient))
	assert.ErrorContains(t, transient, "timeout")

	fatal := &FatalError{Cause: errors.New("corrupt db")}
	assert.True(t, IsFatal(fatal))

	_, ok = IsRateLimited(errors.New("plain"))
	assert.False(t, ok)
}

func TestToolResultHelpers(t *testing.T) {
	ok := TextResult("done")
	assert.False(t, ok.IsError)
	assert.Equal(t, "done", ok.Content)

	bad := ErrorResult("nope")
	assert.True(t, bad.IsError)

	res := JSONResult(map[string]int{"n": 1})
	assert.False(t, res.IsError)
	var decoded map[string]int
	require.NoError(t, json.Unmarshal([]byte(res.Content), &decoded))
	assert.Equal(t, 1, decoded["n"])
}

func TestSetupResultHelpers(t *testing.T) {
	step := &SetupStep{ID: "one"}
	next := NextResult(step)
	assert.Equal(t, SetupNext, next.Status)
	assert.Equal(t, step, next.NextStep)

	fieldErr := FieldError("phone", "required")
	assert.Equal(t, SetupError, fieldErr.Status)
	require.Len(t, fieldErr.Errors, 1)
	assert.Equal(t, "phone", fieldErr.Errors[0].Field)

	done := CompleteResult("all set")
	assert.Equal(t, SetupComplete, done.Status)
}

func TestSetupWireFormat(t *testing.T) {
	step := SetupStep{
		ID:    "credentials",
		Title: "API Credentials",
		Fields: []SetupField{
			{Name: "api_id", Kind: FieldText, Label: "API ID", Required: true},
		},
	}
	data, err := json.Marshal(step)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"text"`)
	assert.Contains(t, string(data), `"required":true`)
}

func TestRegistry(t *testing.T) {
	Register("echo-test", func(host Host) Skill { return nil })

	_, err := New("echo-test", nil)
	assert.NoError(t, err)
	_, err = New("missing", nil)
	assert.Error(t, err)
	assert.Contains(t, Names(), "echo-test")

	assert.Panics(t, func() {
		Register("echo-test", func(host Host) Skill { return nil })
	})
}
