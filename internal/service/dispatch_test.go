package service

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/callbridge/pbx-bridge-go/internal/model"
)

func TestKeyedQueue_OrdersPerKeyAndDrains(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]string)

	q := newKeyedQueue(func(ev model.CallEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.CorrelationKey] = append(seen[ev.CorrelationKey], ev.CauseCode)
	})

	for step := range 5 {
		for key := range 10 {
			q.push(model.CallEvent{CorrelationKey: fmt.Sprintf("K%d", key), CauseCode: fmt.Sprint(step)})
		}
	}
	q.wait()

	assert.Len(t, seen, 10)
	for key, steps := range seen {
		assert.Equal(t, []string{"0", "1", "2", "3", "4"}, steps, key)
	}
	assert.Zero(t, q.active(), "workers exit once their queue is empty")
}

func TestKeyedQueue_BlockedKeyDoesNotHoldOthers(t *testing.T) {
	release := make(chan struct{})
	handled := make(chan string, 4)

	q := newKeyedQueue(func(ev model.CallEvent) {
		if ev.CorrelationKey == "slow" {
			<-release
		}
		handled <- ev.CorrelationKey
	})

	q.push(model.CallEvent{CorrelationKey: "slow"})
	q.push(model.CallEvent{CorrelationKey: "fast"})

	assert.Equal(t, "fast", <-handled)
	assert.Eventually(t, func() bool { return q.active() == 1 }, time.Second, time.Millisecond)

	close(release)
	assert.Equal(t, "slow", <-handled)
	q.wait()
	assert.Zero(t, q.active())
}
