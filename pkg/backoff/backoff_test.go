package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/everflow-crm/everflow/pkg/consts"
)

func TestExponentialDoubles(t *testing.T) {
	f := Exponential(60 * time.Second)

	assert.Equal(t, 60*time.Second, f(0))
	assert.Equal(t, 120*time.Second, f(1))
	// Third attempt waits 60 * 2^2 = 240 seconds.
	assert.Equal(t, 240*time.Second, f(2))
}

func TestExponentialClamps(t *testing.T) {
	f := Exponential(60 * time.Second)

	assert.Equal(t, consts.MaxRetryDelay, f(20))
	assert.Equal(t, consts.MaxRetryDelay, f(500))

	assert.Equal(t, consts.MinRetryDelay, Exponential(time.Millisecond)(0))
}

func TestDelayHonorsHint(t *testing.T) {
	f := Exponential(60 * time.Second)

	hint := 5 * time.Minute
	assert.Equal(t, hint, Delay(f, 0, &hint))

	// A hint beyond the cap is clamped.
	huge := 48 * time.Hour
	assert.Equal(t, consts.MaxRetryDelay, Delay(f, 0, &huge))

	// No hint: computed backoff.
	assert.Equal(t, 120*time.Second, Delay(f, 1, nil))
}

func TestLinear(t *testing.T) {
	f := Linear(30 * time.Second)
	assert.Equal(t, 30*time.Second, f(0))
	assert.Equal(t, 30*time.Second, f(9))
}
