package monitor

import "fleetmon/internal/models"

// hourBuffer accumulates the current hour's raw samples for one server.
// Averages are committed to the history slot on rollover and the buffer
// is cleared.
type hourBuffer struct {
	cpu     float64
	ram     float64
	gpu     float64
	network float64
	count   int
}

func (b *hourBuffer) add(sample models.MetricSample) {
	b.cpu += sample.CPU
	b.ram += sample.RAM
	b.gpu += sample.GPU
	b.network += sample.Network
	b.count++
}

// average returns the mean of the buffered samples. ok is false when the
// buffer holds no samples, in which case rollover is a no-op.
func (b *hourBuffer) average() (avg models.MetricSample, ok bool) {
	if b.count == 0 {
		return models.MetricSample{}, false
	}
	n := float64(b.count)
	return models.MetricSample{
		CPU:     b.cpu / n,
		RAM:     b.ram / n,
		GPU:     b.gpu / n,
		Network: b.network / n,
	}, true
}

func (b *hourBuffer) reset() {
	*b = hourBuffer{}
}

// commit writes the buffered average into the history slot for hour and
// clears the buffer. A buffer with no samples produces no write.
func (b *hourBuffer) commit(status *models.ServerStatus, hour int) {
	avg, ok := b.average()
	if !ok {
		return
	}
	status.CPUHistory.Set(hour, avg.CPU)
	status.RAMHistory.Set(hour, avg.RAM)
	status.GPUHistory.Set(hour, avg.GPU)
	status.NetworkHistory.Set(hour, avg.Network)
	b.reset()
}
