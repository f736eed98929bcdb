package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("task-1", TaskChat, "bot-1", ChatTaskData{
		SessionToken: "sess-T1",
		VisitorID:    "vis-1",
		Query:        "What are your hours?",
		Streaming:    true,
	})
	require.NoError(t, err)

	body, err := Marshal(env)
	require.NoError(t, err)

	decoded, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, "task-1", decoded.TaskID)
	assert.Equal(t, TaskChat, decoded.TaskType)

	var data ChatTaskData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, "sess-T1", data.SessionToken)
	assert.True(t, data.Streaming)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{{{"},
		{"missing task_id", `{"task_type":"chat","bot_id":"b"}`},
		{"unknown type", `{"task_id":"t","task_type":"teleport","bot_id":"b"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.body))
			var malformed *ErrMalformed
			assert.ErrorAs(t, err, &malformed)
		})
	}
}

func TestQueueRouting(t *testing.T) {
	for taskType, want := range map[TaskType]string{
		TaskFileUpload:     FileQueue,
		TaskCrawl:          FileQueue,
		TaskDeleteDocument: FileQueue,
		TaskRecrawl:        FileQueue,
		TaskChat:           ChatQueue,
		TaskGrading:        GradingQueue,
		TaskAssessment:     GradingQueue,
		TaskEmail:          EmailQueue,
	} {
		q, ok := QueueFor(taskType)
		require.True(t, ok, string(taskType))
		assert.Equal(t, want, q)
	}

	_, ok := QueueFor(TaskType("nope"))
	assert.False(t, ok)
}
