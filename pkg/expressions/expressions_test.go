package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		data       Data
		expected   bool
	}{
		{
			name:       "event data match",
			expression: `event.data.tag == "vip"`,
			data:       Data{Event: map[string]any{"data": map[string]any{"tag": "vip"}}},
			expected:   true,
		},
		{
			name:       "event data mismatch",
			expression: `event.data.tag == "vip"`,
			data:       Data{Event: map[string]any{"data": map[string]any{"tag": "churned"}}},
			expected:   false,
		},
		{
			name:       "subject attribute",
			expression: `subject.lifecycle_stage == "customer" && subject.score >= 50`,
			data: Data{Subject: map[string]any{
				"lifecycle_stage": "customer",
				"score":           75,
			}},
			expected: true,
		},
		{
			name:       "list membership",
			expression: `event.data.tags.exists(tag, tag == "purchase")`,
			data: Data{Event: map[string]any{
				"data": map[string]any{"tags": []any{"signup", "purchase"}},
			}},
			expected: true,
		},
		{
			name:       "event name",
			expression: `event.name == "commerce/order.completed"`,
			data:       Data{Event: map[string]any{"name": "commerce/order.completed"}},
			expected:   true,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result, err := Evaluate(ctx, test.expression, test.data)
			require.NoError(t, err)
			assert.Equal(t, test.expected, result)
		})
	}
}

func TestEvaluateNonBool(t *testing.T) {
	_, err := Evaluate(context.Background(), `event.name`, Data{
		Event: map[string]any{"name": "x"},
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(context.Background(), `event.data.total > 100`))
	require.Error(t, Validate(context.Background(), `event.data. ==`))
}

func TestCacheReuse(t *testing.T) {
	ctx := context.Background()
	a, err := NewEvaluator(ctx, `event.name == "a"`)
	require.NoError(t, err)
	b, err := NewEvaluator(ctx, `event.name == "a"`)
	require.NoError(t, err)
	assert.Same(t, a, b)
}
