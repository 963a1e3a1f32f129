package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"nstbot/internal/core/domain"
)

func TestTaskMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TaskSubmitted(domain.AdaIN)
	m.TaskSubmitted(domain.AdaIN)
	m.TaskSubmitted(domain.Gatys)

	m.TaskFinished(domain.AdaIN, domain.StatusSuccess, 2*time.Second)
	m.TaskFinished(domain.AdaIN, domain.StatusCancelled, 0)

	assert.InDelta(t, 2, testutil.ToFloat64(m.submitted.WithLabelValues("adain")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.finished.WithLabelValues("adain", "success")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.inFlight.WithLabelValues("adain")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.inFlight.WithLabelValues("gatys")), 0)

	// only the task that ran is observed
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestWeightsLoaded(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.WeightsLoaded(time.Second, nil)
	m.WeightsLoaded(0, errors.New("missing"))

	assert.InDelta(t, 1, testutil.ToFloat64(m.loadErrors), 0)
}
