package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/JamalEddineEb/discord/pkg/providers"
)

func TestAssemble_SystemAndNewMessageOnly(t *testing.T) {
	got := Assemble("sys", []providers.Message{}, []providers.Message{}, providers.Message{Role: "user", Content: "hello"})
	assert.Equal(t, []providers.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hello"},
	}, got)
}

func TestAssemble_Order(t *testing.T) {
	short := []providers.Message{{Role: "user", Content: "s1"}, {Role: "assistant", Content: "s2"}}
	long := []providers.Message{{Role: "user", Content: "l1"}, {Role: "user", Content: "l2"}}
	got := Assemble("sys", short, long, providers.Message{Role: "user", Content: "new"})

	var contents []string
	for _, m := range got {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"sys", "l1", "l2", "s1", "s2", "new"}, contents)
}

func TestAssemble_EmptySystemOmitted(t *testing.T) {
	got := Assemble("", nil, nil, providers.Message{Role: "user", Content: "hi"})
	assert.Equal(t, []providers.Message{{Role: "user", Content: "hi"}}, got)
}

func TestAssemble_DoesNotMutateInputs(t *testing.T) {
	short := make([]providers.Message, 1, 8)
	short[0] = providers.Message{Role: "user", Content: "s"}
	long := []providers.Message{{Role: "user", Content: "l"}}

	_ = Assemble("sys", short, long, providers.Message{Role: "user", Content: "new"})
	assert.Equal(t, []providers.Message{{Role: "user", Content: "s"}}, short)
	assert.Equal(t, []providers.Message{{Role: "user", Content: "l"}}, long)
}
